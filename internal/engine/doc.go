// Package engine expands pipelines into plans and executes them.
//
// ARCHITECTURE:
//
// Expansion:
// Expand turns an ir.Pipeline into an ir.Plan. Jobs are ordered by dependsOn
// (declaration order among ready jobs), matrix entries keep declaration order,
// and every job run gets a content-addressed ID. Planning unchanged source
// twice yields the same plan.
//
// Execution:
// Engine.Run starts a job once every job it depends on has finished. A job
// whose dependency did not succeed is skipped. The matrix entries of a job run
// concurrently, bounded by the job's maxParallel and the engine-wide limit.
// Each entry gets a fresh working directory and runs its steps strictly in
// order; the first failing step skips the rest unless a later step's
// condition asks to run anyway.
//
// Steps are executed by a StepExecutor. The Dispatcher routes each step kind
// to the shell, task or checkout executor; tests substitute ScriptedExecutor.
//
// Results are reported to a Recorder (the sqlite store in production) as
// they happen.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Every job run, step and artifact record is stamped with a monotonic seq
// from Clock.Next(). Readers order by seq, never by wall-clock time.
//
// Isolation:
// Entries share nothing mutable except the Recorder and the Clock. Variables
// set by a step (##vso[task.setvariable]) are visible only to later steps of
// the same entry.
package engine
