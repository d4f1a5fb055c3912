package replicant

import "errors"

// Error kinds surfaced by the engine. Schema and revision mismatches are not
// errors; they are routine reconciliation signals carried as reject reasons
// in the propose reply.
var (
	// ErrValueInvalid means a value failed schema validation or is not
	// JSON representable. Surfaced to the writer; no state mutates.
	ErrValueInvalid = errors.New("value-invalid")

	// ErrSchemaLoadFailed means the schema file could not be read or
	// resolved. The replicant runs without validation.
	ErrSchemaLoadFailed = errors.New("schema-load-failed")

	// ErrUnknownOperation aborts the whole batch that contained it.
	ErrUnknownOperation = errors.New("unknown-operation")

	// ErrNotDeclared means an operation arrived for a replicant not yet
	// declared on this side.
	ErrNotDeclared = errors.New("not-declared")

	// ErrPersistenceFailed wraps a snapshot write error.
	ErrPersistenceFailed = errors.New("persistence-failed")

	// ErrClosed means the connection or component was shut down.
	ErrClosed = errors.New("closed")
)
