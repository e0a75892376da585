// Package harness runs pipeline scenarios against the real engine with
// scripted step results and checks what the run log recorded.
//
// A scenario never starts a process: every step goes through an
// engine.ScriptedExecutor, so scenarios exercise planning, dependency
// order, fail-fast, conditions, logging commands and recording without
// depending on the tools a pipeline would call.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: windows_py36_install_fails
//	description: "What this scenario validates"
//	pipeline: ../pipelines/azure-pipelines.yml
//	branch: master
//	policy:
//	  branches: [master, stable]
//	outcomes:
//	  - job: Windows_Tests
//	    entry: Python36
//	    step: 3
//	    exit_code: 1
//	    output: "ERROR: No matching distribution found for tox\n"
//	assertions:
//	  - type: job_run_status
//	    job: Windows_Tests
//	    entry: Python36
//	    status: failed
//
// # Assertion Types
//
//   - run_status: the run finished with status
//   - job_status: a job aggregated to status
//   - job_run_status: one matrix entry finished with status
//   - step_status: one step of one entry finished with status
//   - log_contains: a step log contains text
//   - job_run_count: a job has count entries (with status, when given)
//   - job_order: every record of each job precedes the next job's records
//   - artifact: an entry published the named artifact
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory run log with a fixed run ID
// (testutil.FixedRunID) and a ticking clock (testutil.TickingTime), so the
// snapshot compared by RunWithGolden is identical across runs.
package harness
