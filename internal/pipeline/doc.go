// Package pipeline implements the asynchronous stage execution engine. It
// launches each pipeline stage (analyze, clean, train) as an external script
// process, relays the script's output live through the event broker, validates
// the required output artifacts, and drives the job record through its status
// state machine.
package pipeline
