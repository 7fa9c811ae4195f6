// Package model defines the domain types shared across the stevedore CLI.
//
// These types describe a release end to end: the trigger decision derived
// from a CI event, the ordered plan of packages and tags, and the per-step
// results recorded while the plan executes. They carry no behavior beyond
// validation and formatting so that every other package can depend on them
// without import cycles.
package model
