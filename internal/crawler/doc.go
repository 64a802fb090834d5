// Package crawler defines the domain types, contracts, and error taxonomy
// shared by the tax-record fetch pipeline: tasks, results, checkpoints, and
// the retry policy that classifies failures.
package crawler
