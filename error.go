package anitrackmigrate

import (
	"errors"
	"fmt"
)

// ErrNoArtifacts is returned when the artifact filesystem contains no schema
// creation artifacts at all, so no latest version can be resolved.
var ErrNoArtifacts = errors.New("no schema creation artifacts found")

// ArtifactNotFoundError is returned when the schema artifact expected for a
// version transition is missing from the artifact filesystem. It's distinct
// from SchemaApplyError so that callers can tell "nothing to apply" apart
// from "applying it broke".
type ArtifactNotFoundError struct {
	// Name is the artifact filename that was expected.
	Name string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("schema artifact %q not found", e.Name)
}

// SchemaApplyError is returned when the DDL/DML in a schema artifact failed
// to execute. The enclosing transaction is rolled back.
type SchemaApplyError struct {
	// FromVersion and ToVersion identify the transition being applied, with a
	// FromVersion of zero denoting database creation.
	FromVersion int
	ToVersion   int

	// Name is the artifact filename that failed.
	Name string

	err error
}

func (e *SchemaApplyError) Error() string {
	return fmt.Sprintf("error applying schema artifact %q: %s", e.Name, e.err)
}

func (e *SchemaApplyError) Unwrap() error { return e.err }

// PopulateError is returned when a population step failed during execution.
// The step's transaction scope and, transitively, the enclosing migration
// transaction are rolled back.
type PopulateError struct {
	// FromVersion and ToVersion identify the transition being populated.
	FromVersion int
	ToVersion   int

	// Step is the canonical name of the failed population step.
	Step string

	err error
}

func (e *PopulateError) Error() string {
	return fmt.Sprintf("error running population step %q: %s", e.Step, e.err)
}

func (e *PopulateError) Unwrap() error { return e.err }

// LedgerError is returned on a failure reading or writing the schema version
// ledger.
type LedgerError struct {
	// Op is the ledger operation that failed, like "read" or "record".
	Op string

	err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s error: %s", e.Op, e.err)
}

func (e *LedgerError) Unwrap() error { return e.err }
