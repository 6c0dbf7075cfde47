// Package scheduler owns the in-memory queue of pending entries and the
// single dispatch loop that drains it.
//
// The loop only ever sees concrete due times. It pops due entries in
// (due time, insertion order) order onto a ready list; a feeder goroutine
// submits them to the execution engine inside a fresh job scope, so a
// saturated engine never stalls the loop. Recurring behaviour lives in the jobs themselves,
// which re-arm through Enqueue.
package scheduler
