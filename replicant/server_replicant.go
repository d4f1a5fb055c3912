package replicant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
)

type ChangeFunction func(newValue any, oldValue any, ops []Operation)

type ServerReplicantSettings struct {
	// PersistenceInterval is the minimum wall clock gap between snapshot
	// writes for this replicant.
	PersistenceInterval time.Duration
}

func DefaultServerReplicantSettings() *ServerReplicantSettings {
	return &ServerReplicantSettings{
		PersistenceInterval: DefaultPersistenceIntervalMillis * time.Millisecond,
	}
}

// flushFunction receives every flushed batch for broadcast. exclude is the
// socket the batch originated from, nil for server local mutations.
type flushFunction func(broadcast *OperationsBroadcast, exclude *Socket)

// ServerReplicant is the per (namespace, name) state holder on the server:
// value, revision, schema, pending operation batch, and the throttled save
// trigger. The replicator exclusively owns creation; user code holds the
// handle returned from Declare.
type ServerReplicant struct {
	name      string
	namespace string

	persistent bool
	schema     *Schema
	store      Store
	flush      flushFunction

	settings *ServerReplicantSettings

	// stateMutex guards value, revision and the pending batch. emitMutex
	// is acquired before stateMutex releases on flush so batches broadcast
	// in revision order without holding the state lock during sends.
	stateMutex sync.Mutex
	emitMutex  sync.Mutex

	value    any
	defined  bool
	revision int64

	suspended  bool
	oldValue   any
	pendingOps []Operation

	saveMutex sync.Mutex
	saveTimer *time.Timer
	lastSave  time.Time

	changeCallbacks callbackList[ChangeFunction]
}

func newServerReplicant(
	name string,
	namespace string,
	persistent bool,
	schema *Schema,
	store Store,
	flush flushFunction,
	settings *ServerReplicantSettings,
) *ServerReplicant {
	return &ServerReplicant{
		name:       name,
		namespace:  namespace,
		persistent: persistent,
		schema:     schema,
		store:      store,
		flush:      flush,
		settings:   settings,
	}
}

func (self *ServerReplicant) Name() string {
	return self.name
}

func (self *ServerReplicant) Namespace() string {
	return self.namespace
}

func (self *ServerReplicant) Revision() int64 {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.revision
}

// Value returns the current tree. Treat it as read only; mutate through
// Mutate or Assign.
func (self *ServerReplicant) Value() any {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.value
}

func (self *ServerReplicant) Schema() *Schema {
	return self.schema
}

func (self *ServerReplicant) SchemaSum() string {
	if self.schema == nil {
		return ""
	}
	return self.schema.Sum
}

// Get returns the sub value at a slash delimited path.
func (self *ServerReplicant) Get(path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return valueAt(self.value, segments)
}

// Snapshot returns the declaration reply state.
func (self *ServerReplicant) Snapshot() *DeclareResponse {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.snapshotLocked()
}

func (self *ServerReplicant) snapshotLocked() *DeclareResponse {
	out := &DeclareResponse{
		Value:    self.value,
		Revision: self.revision,
	}
	if self.schema != nil {
		out.Schema = self.schema.Doc
		out.SchemaSum = self.schema.Sum
	}
	return out
}

// Assign validates and installs a whole new value as a single overwrite
// batch.
func (self *ServerReplicant) Assign(value any) error {
	return self.Mutate(func(v *ValueHandle) error {
		return v.Assign(value)
	})
}

// Mutate runs fn against the write handle. All edits made by fn coalesce
// into one batch: one revision step, one broadcast, one change event,
// however many operations fn performed. An edit that fails validation does
// not apply; edits that already applied still flush.
func (self *ServerReplicant) Mutate(fn func(v *ValueHandle) error) error {
	self.stateMutex.Lock()
	self.oldValue = deepClone(self.value)
	self.pendingOps = nil

	err := fn(&ValueHandle{m: self})

	if len(self.pendingOps) == 0 {
		self.oldValue = nil
		self.stateMutex.Unlock()
		return err
	}

	self.revision += 1
	revision := self.revision
	ops := self.pendingOps
	oldValue := self.oldValue
	newValue := self.value
	self.pendingOps = nil
	self.oldValue = nil

	// hold emitMutex across the state unlock so flushes emit in revision
	// order
	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	self.emitFlush(revision, ops, newValue, oldValue, nil)
	self.emitMutex.Unlock()

	return err
}

// localMutable

func (self *ServerReplicant) currentValue() any {
	return self.value
}

func (self *ServerReplicant) applyLocal(op Operation) error {
	if self.suspended {
		return fmt.Errorf("mutation while install in progress")
	}
	trial, err := ApplyOperations(deepClone(self.value), []Operation{op})
	if err != nil {
		return err
	}
	if self.schema != nil {
		if err := self.schema.Validate(trial); err != nil {
			return err
		}
	}
	self.value = trial
	self.defined = true
	self.pendingOps = append(self.pendingOps, op)
	return nil
}

// ApplyRemote applies an accepted proposal batch: recording suspended, one
// revision step, broadcast excluding the proposer, throttled save, change.
// On any error nothing mutates.
func (self *ServerReplicant) ApplyRemote(ops []Operation, exclude *Socket) error {
	self.stateMutex.Lock()
	return self.applyRemoteLocked(ops, exclude)
}

// ApplyProposal atomically runs the schema and revision checks and applies
// the batch. A mismatch or apply error rejects with the authoritative
// snapshot; value and revision are untouched on rejection.
func (self *ServerReplicant) ApplyProposal(revision int64, schemaSum string, ops []Operation, exclude *Socket) *ProposeResponse {
	self.stateMutex.Lock()

	if schemaSum != self.SchemaSum() {
		response := self.snapshotLocked()
		response.RejectReason = RejectSchemaMismatch
		self.stateMutex.Unlock()
		return response
	}
	if revision != self.revision {
		response := self.snapshotLocked()
		response.RejectReason = RejectRevisionMismatch
		self.stateMutex.Unlock()
		return response
	}

	if err := self.applyRemoteLocked(ops, exclude); err != nil {
		self.stateMutex.Lock()
		response := self.snapshotLocked()
		if errors.Is(err, ErrValueInvalid) {
			response.RejectReason = RejectValueInvalid
		} else {
			response.RejectReason = err.Error()
		}
		self.stateMutex.Unlock()
		return response
	}
	return self.Snapshot()
}

// applyRemoteLocked consumes stateMutex: it is held on entry and released on
// every path.
func (self *ServerReplicant) applyRemoteLocked(ops []Operation, exclude *Socket) error {
	next, err := ApplyOperations(deepClone(self.value), ops)
	if err != nil {
		self.stateMutex.Unlock()
		return err
	}
	if self.schema != nil {
		if err := self.schema.Validate(next); err != nil {
			self.stateMutex.Unlock()
			return err
		}
	}

	self.suspended = true
	oldValue := self.value
	self.value = next
	self.defined = true
	self.revision += 1
	revision := self.revision
	self.suspended = false

	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	self.emitFlush(revision, ops, next, oldValue, exclude)
	self.emitMutex.Unlock()

	return nil
}

func (self *ServerReplicant) emitFlush(revision int64, ops []Operation, newValue any, oldValue any, exclude *Socket) {
	glog.V(2).Infof("[f]%s/%s rev=%d ops=%d\n", self.namespace, self.name, revision, len(ops))

	if self.flush != nil {
		self.flush(&OperationsBroadcast{
			Name:       self.name,
			Namespace:  self.namespace,
			Revision:   revision,
			Operations: ops,
		}, exclude)
	}

	self.requestSave()

	for _, entry := range self.changeCallbacks.get() {
		func() {
			defer recover()
			entry.callback(newValue, oldValue, ops)
		}()
	}
}

// AddChangeHandler registers fn for every flushed batch. The server side is
// always declared, so fn is additionally invoked immediately with the
// current value.
func (self *ServerReplicant) AddChangeHandler(fn ChangeFunction) HandlerId {
	handlerId := self.changeCallbacks.add(fn)
	fn(self.Value(), nil, nil)
	return handlerId
}

func (self *ServerReplicant) RemoveChangeHandler(handlerId HandlerId) {
	self.changeCallbacks.remove(handlerId)
}

// install sets state without recording operations, used at creation.
func (self *ServerReplicant) install(value any, defined bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.suspended = true
	self.value = value
	self.defined = defined
	self.suspended = false
}

// requestSave collapses save requests inside the persistence interval into
// one write.
func (self *ServerReplicant) requestSave() {
	if !self.persistent || self.store == nil {
		return
	}

	self.saveMutex.Lock()
	defer self.saveMutex.Unlock()

	if self.saveTimer != nil {
		// a save is already scheduled, it will pick up this state
		return
	}
	delay := self.settings.PersistenceInterval - time.Since(self.lastSave)
	if delay < 0 {
		delay = 0
	}
	self.saveTimer = time.AfterFunc(delay, self.save)
}

func (self *ServerReplicant) save() {
	self.saveMutex.Lock()
	self.saveTimer = nil
	self.lastSave = time.Now()
	self.saveMutex.Unlock()

	if err := self.SaveNow(); err != nil {
		if isQuotaError(err) {
			glog.Infof("[s]%s/%s quota error, rescheduling = %s\n", self.namespace, self.name, err)
			self.requestSave()
		} else {
			glog.Infof("[s]%s/%s save error = %s\n", self.namespace, self.name, err)
		}
	} else {
		glog.V(2).Infof("[s]%s/%s saved\n", self.namespace, self.name)
	}
}

// SaveNow writes the snapshot synchronously. The empty string persists an
// undefined value.
func (self *ServerReplicant) SaveNow() error {
	if !self.persistent || self.store == nil {
		return nil
	}

	self.stateMutex.Lock()
	payload := ""
	if self.defined {
		b, err := json.Marshal(self.value)
		if err != nil {
			self.stateMutex.Unlock()
			return fmt.Errorf("%w: %s", ErrPersistenceFailed, err)
		}
		payload = string(b)
	}
	self.stateMutex.Unlock()

	return self.store.SetItem(fmt.Sprintf("%s.rep", self.name), payload)
}

func isQuotaError(err error) bool {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "quota")
}
