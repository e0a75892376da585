// Package ir provides the canonical intermediate representation for cimatrix
// pipelines, plans and run records.
//
// This package contains type definitions and hashing only. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Declaration order is preserved everywhere (jobs, matrix entries, variables)
//   - NO float types in hashed data - matrix values are kept as strings
//   - All JSON tags use snake_case
//   - Ordering of run events uses logical clocks (seq); wall-clock times are
//     recorded for display only
package ir
