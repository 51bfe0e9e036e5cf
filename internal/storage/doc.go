// Package storage persists publish tasks, their attempt history, accounts
// and articles.
//
// Every backend implements status compare-and-set in UpdateTask, which is
// what keeps a task from executing twice when a timer and a sweep race.
package storage
