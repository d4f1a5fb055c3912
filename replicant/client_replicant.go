package replicant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type ReplicantStatus string

const (
	StatusUndeclared ReplicantStatus = "undeclared"
	StatusDeclared   ReplicantStatus = "declared"
)

// ClientReplicant mirrors a server replicant: it runs the declaration
// handshake, applies inbound operation batches in revision order, and
// proposes local batches with optimistic concurrency. A rejected proposal
// reverts to the authoritative snapshot from the reply.
type ClientReplicant struct {
	conn *ClientConnection

	name      string
	namespace string
	opts      *Options

	stateMutex sync.Mutex
	emitMutex  sync.Mutex

	status   ReplicantStatus
	value    any
	revision int64
	schema   *Schema

	suspended bool
	oldValue  any
	// pendingOps is the batch being assembled by the current Mutate
	pendingOps []Operation
	// outgoingOps are flushed batches not yet sent in a proposal
	outgoingOps []Operation
	// bufferedOps are pre-declaration writes, replayed in one fresh
	// proposal after the handshake
	bufferedOps []Operation

	proposalInFlight bool
	declareError     string
	declaredCh       chan struct{}

	changeCallbacks callbackList[ChangeFunction]
}

func newClientReplicant(conn *ClientConnection, name string, namespace string, opts *Options) *ClientReplicant {
	// the provisional default is visible to reads until declared
	value, err := normalizeValue(opts.DefaultValue)
	if err != nil {
		glog.Infof("[c]%s/%s bad default value = %s\n", namespace, name, err)
		value = nil
	}
	return &ClientReplicant{
		conn:       conn,
		name:       name,
		namespace:  namespace,
		opts:       opts,
		status:     StatusUndeclared,
		value:      value,
		declaredCh: make(chan struct{}),
	}
}

func (self *ClientReplicant) Name() string {
	return self.name
}

func (self *ClientReplicant) Namespace() string {
	return self.namespace
}

func (self *ClientReplicant) Status() ReplicantStatus {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.status
}

// DeclareError returns the reject reason of the last declaration attempt.
func (self *ClientReplicant) DeclareError() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.declareError
}

// Value returns the current tree: the authoritative mirror when declared,
// the provisional default with any buffered local writes applied before
// that. Treat it as read only.
func (self *ClientReplicant) Value() any {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.value
}

func (self *ClientReplicant) Revision() int64 {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.revision
}

func (self *ClientReplicant) SchemaSum() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.schema == nil {
		return ""
	}
	return self.schema.Sum
}

func (self *ClientReplicant) Get(path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return valueAt(self.value, segments)
}

// WaitDeclared blocks until the declaration handshake completes.
func (self *ClientReplicant) WaitDeclared(ctx context.Context) error {
	self.stateMutex.Lock()
	ch := self.declaredCh
	self.stateMutex.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddChangeHandler registers fn for every applied batch. A handler added to
// an already declared replicant is invoked immediately with the current
// value.
func (self *ClientReplicant) AddChangeHandler(fn ChangeFunction) HandlerId {
	handlerId := self.changeCallbacks.add(fn)
	self.stateMutex.Lock()
	declared := self.status == StatusDeclared
	value := self.value
	self.stateMutex.Unlock()
	if declared {
		fn(value, nil, nil)
	}
	return handlerId
}

func (self *ClientReplicant) RemoveChangeHandler(handlerId HandlerId) {
	self.changeCallbacks.remove(handlerId)
}

func (self *ClientReplicant) Assign(value any) error {
	return self.Mutate(func(v *ValueHandle) error {
		return v.Assign(value)
	})
}

// Mutate runs fn against the write handle. The edits apply optimistically
// to the local mirror and coalesce into one proposal batch. Before the
// declaration handshake completes the batch buffers instead.
func (self *ClientReplicant) Mutate(fn func(v *ValueHandle) error) error {
	self.stateMutex.Lock()
	self.oldValue = deepClone(self.value)
	self.pendingOps = nil

	err := fn(&ValueHandle{m: self})

	if len(self.pendingOps) == 0 {
		self.oldValue = nil
		self.stateMutex.Unlock()
		return err
	}

	ops := self.pendingOps
	oldValue := self.oldValue
	newValue := self.value
	self.pendingOps = nil
	self.oldValue = nil

	if self.status == StatusDeclared {
		self.outgoingOps = append(self.outgoingOps, ops...)
	} else {
		self.bufferedOps = append(self.bufferedOps, ops...)
	}

	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	self.emitChange(newValue, oldValue, ops)
	self.emitMutex.Unlock()

	self.maybePropose()
	return err
}

// localMutable

func (self *ClientReplicant) currentValue() any {
	return self.value
}

func (self *ClientReplicant) applyLocal(op Operation) error {
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
	self.pendingOps = append(self.pendingOps, op)
	return nil
}

func (self *ClientReplicant) emitChange(newValue any, oldValue any, ops []Operation) {
	for _, entry := range self.changeCallbacks.get() {
		func() {
			defer recover()
			entry.callback(newValue, oldValue, ops)
		}()
	}
}

// declare runs the declaration handshake: install the authoritative
// snapshot, transition to declared, then replay buffered writes in one
// fresh proposal.
func (self *ClientReplicant) declare() {
	request := &DeclareRequest{
		Name:      self.name,
		Namespace: self.namespace,
		Opts:      *self.opts,
	}
	// schemas are server owned
	request.Opts.SchemaPath = ""

	raw, err := self.conn.call(EventDeclare, request)
	if err != nil {
		glog.V(2).Infof("[c]%s/%s declare error = %s\n", self.namespace, self.name, err)
		return
	}
	var response DeclareResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		glog.Infof("[c]%s/%s bad declare reply = %s\n", self.namespace, self.name, err)
		return
	}

	self.stateMutex.Lock()
	if self.status == StatusDeclared {
		self.stateMutex.Unlock()
		return
	}
	if response.RejectReason != "" {
		self.declareError = response.RejectReason
		self.stateMutex.Unlock()
		glog.Infof("[c]%s/%s declare rejected = %s\n", self.namespace, self.name, response.RejectReason)
		return
	}
	self.declareError = ""

	var schema *Schema
	if response.Schema != nil {
		schema, err = SchemaFromDoc(response.Schema)
		if err != nil {
			glog.Infof("[c]%s/%s schema compile error = %s\n", self.namespace, self.name, err)
			schema = nil
		}
	}

	self.suspended = true
	oldValue := self.value
	self.value = response.Value
	self.revision = response.Revision
	self.schema = schema
	self.suspended = false
	self.status = StatusDeclared
	close(self.declaredCh)

	buffered := self.bufferedOps
	self.bufferedOps = nil
	if 0 < len(buffered) {
		self.outgoingOps = append(self.outgoingOps, buffered...)
	}

	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	glog.Infof("[c]%s/%s declared rev=%d\n", self.namespace, self.name, response.Revision)
	self.emitChange(response.Value, oldValue, nil)
	self.emitMutex.Unlock()

	self.maybePropose()
}

// maybePropose sends the outgoing operations as one proposal. Proposals
// serialize: the next batch waits for the previous ack so every proposal
// carries the revision the client actually observed.
func (self *ClientReplicant) maybePropose() {
	self.stateMutex.Lock()
	if self.proposalInFlight || self.status != StatusDeclared || len(self.outgoingOps) == 0 {
		self.stateMutex.Unlock()
		return
	}
	ops := self.outgoingOps
	self.outgoingOps = nil
	self.proposalInFlight = true
	request := &ProposeRequest{
		Name:       self.name,
		Namespace:  self.namespace,
		Operations: ops,
		Opts:       *self.opts,
		Revision:   self.revision,
	}
	if self.schema != nil {
		request.SchemaSum = self.schema.Sum
	}
	self.stateMutex.Unlock()

	go func() {
		raw, err := self.conn.call(EventPropose, request)

		self.stateMutex.Lock()
		self.proposalInFlight = false
		self.stateMutex.Unlock()

		if err != nil {
			// disconnected or timed out. the ops are treated as
			// rejected; the re-declare on reconnect reconciles.
			glog.V(2).Infof("[c]%s/%s propose error = %s\n", self.namespace, self.name, err)
			return
		}

		var response ProposeResponse
		if err := json.Unmarshal(raw, &response); err != nil {
			glog.Infof("[c]%s/%s bad propose reply = %s\n", self.namespace, self.name, err)
			return
		}

		if response.RejectReason != "" {
			glog.Infof("[c]%s/%s propose rejected = %s\n", self.namespace, self.name, response.RejectReason)
			self.installSnapshot(&response, response.RejectReason == RejectSchemaMismatch)
		} else {
			self.adoptAccepted(&response)
		}

		self.maybePropose()
	}()
}

// adoptAccepted takes the ack of an accepted proposal. The local mirror
// already applied the operations optimistically, so normally only the
// revision advances; a replayed pre-declaration batch also installs the
// server value.
func (self *ClientReplicant) adoptAccepted(response *ProposeResponse) {
	self.stateMutex.Lock()
	if self.status != StatusDeclared {
		self.stateMutex.Unlock()
		return
	}
	self.revision = response.Revision
	if deepEqual(self.value, response.Value) {
		self.stateMutex.Unlock()
		return
	}
	self.suspended = true
	oldValue := self.value
	self.value = response.Value
	self.suspended = false

	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	self.emitChange(response.Value, oldValue, nil)
	self.emitMutex.Unlock()
}

// installSnapshot replaces local state with the authoritative snapshot from
// a reject reply, discarding in flight operations, and emits one change.
func (self *ClientReplicant) installSnapshot(response *ProposeResponse, installSchema bool) {
	self.stateMutex.Lock()
	if self.status != StatusDeclared {
		self.stateMutex.Unlock()
		return
	}

	if installSchema && response.Schema != nil {
		if schema, err := SchemaFromDoc(response.Schema); err == nil {
			self.schema = schema
		}
	}

	self.suspended = true
	oldValue := self.value
	self.value = response.Value
	self.revision = response.Revision
	self.suspended = false
	// conflicting local edits not yet proposed are stale against the
	// authoritative snapshot
	self.outgoingOps = nil

	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	self.emitChange(response.Value, oldValue, nil)
	self.emitMutex.Unlock()
}

// handleOperations applies an inbound broadcast batch in revision order:
// the next revision applies, a gap triggers a full read reconcile, stale
// batches drop.
func (self *ClientReplicant) handleOperations(broadcast *OperationsBroadcast) {
	self.stateMutex.Lock()
	if self.status != StatusDeclared {
		// the declare reply in flight carries newer state
		self.stateMutex.Unlock()
		return
	}
	if broadcast.Revision <= self.revision {
		glog.V(2).Infof("[c]%s/%s stale batch rev=%d at rev=%d\n", self.namespace, self.name, broadcast.Revision, self.revision)
		self.stateMutex.Unlock()
		return
	}
	if broadcast.Revision != self.revision+1 {
		glog.Infof("[c]%s/%s revision gap rev=%d at rev=%d, reconciling\n", self.namespace, self.name, broadcast.Revision, self.revision)
		targetRevision := broadcast.Revision
		self.stateMutex.Unlock()
		go self.reconcile(targetRevision)
		return
	}

	next, err := ApplyOperations(deepClone(self.value), broadcast.Operations)
	if err != nil {
		glog.Infof("[c]%s/%s apply error = %s, reconciling\n", self.namespace, self.name, err)
		targetRevision := broadcast.Revision
		self.stateMutex.Unlock()
		go self.reconcile(targetRevision)
		return
	}

	self.suspended = true
	oldValue := self.value
	self.value = next
	self.revision = broadcast.Revision
	self.suspended = false

	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	self.emitChange(next, oldValue, broadcast.Operations)
	self.emitMutex.Unlock()
}

// reconcile reads the full value after a revision gap.
func (self *ClientReplicant) reconcile(targetRevision int64) {
	raw, err := self.conn.call(EventRead, &ReadRequest{
		Name:      self.name,
		Namespace: self.namespace,
	})
	if err != nil {
		glog.V(2).Infof("[c]%s/%s reconcile error = %s\n", self.namespace, self.name, err)
		return
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return
	}

	self.stateMutex.Lock()
	if self.status != StatusDeclared || targetRevision <= self.revision {
		self.stateMutex.Unlock()
		return
	}
	self.suspended = true
	oldValue := self.value
	self.value = value
	self.revision = targetRevision
	self.suspended = false

	self.emitMutex.Lock()
	self.stateMutex.Unlock()
	self.emitChange(value, oldValue, nil)
	self.emitMutex.Unlock()
}

// markDisconnected returns the replicant to undeclared. In flight proposals
// were already treated as rejected by the connection; unsent local batches
// move to the pre-declaration buffer for the replay after re-declare.
func (self *ClientReplicant) markDisconnected() {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.status != StatusDeclared {
		return
	}
	self.status = StatusUndeclared
	self.declaredCh = make(chan struct{})
	self.proposalInFlight = false
	if 0 < len(self.outgoingOps) {
		self.bufferedOps = append(self.bufferedOps, self.outgoingOps...)
		self.outgoingOps = nil
	}
}
