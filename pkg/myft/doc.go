// Package myft defines the public contracts shared by the relationship client:
// relationship keys and collections, identities, events, the event bus, the
// transport boundary, and the error taxonomy.
//
// Implementations live under internal/ and must depend on this package, never
// the other way around.
package myft
