package replicant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// SchemaPathFunc resolves the schema file for a replicant, or "" for none.
// The bundle manifest supplies this externally.
type SchemaPathFunc func(namespace string, name string) string

type ReplicatorSettings struct {
	SchemaPath SchemaPathFunc
	// PersistenceInterval is the default minimum gap between snapshot
	// writes, overridable per replicant via Options.
	PersistenceInterval time.Duration
}

func DefaultReplicatorSettings() *ReplicatorSettings {
	return &ReplicatorSettings{
		PersistenceInterval: DefaultPersistenceIntervalMillis * time.Millisecond,
	}
}

// Replicator is the process wide registry and broadcast hub. It owns every
// server replicant and the transport: declarations resolve or create,
// proposals order against the authoritative revision, accepted batches
// broadcast to the namespace room, snapshots persist per namespace.
type Replicator struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *TransportServer
	stores    StoreProvider
	settings  *ReplicatorSettings

	mutex      sync.Mutex
	declared   map[string]map[string]*ServerReplicant
	storesByNs map[string]Store
}

func NewReplicatorWithDefaults(ctx context.Context, transport *TransportServer, stores StoreProvider) *Replicator {
	return NewReplicator(ctx, transport, stores, DefaultReplicatorSettings())
}

func NewReplicator(ctx context.Context, transport *TransportServer, stores StoreProvider, settings *ReplicatorSettings) *Replicator {
	cancelCtx, cancel := context.WithCancel(ctx)
	replicator := &Replicator{
		ctx:        cancelCtx,
		cancel:     cancel,
		transport:  transport,
		stores:     stores,
		settings:   settings,
		declared:   map[string]map[string]*ServerReplicant{},
		storesByNs: map[string]Store{},
	}
	if transport != nil {
		transport.Handle(EventDeclare, replicator.handleDeclare)
		transport.Handle(EventPropose, replicator.handlePropose)
		transport.Handle(EventRead, replicator.handleRead)
	}
	return replicator
}

// Declare resolves or creates a replicant for server side code. Declaring
// the same (namespace, name) twice returns the same handle; the second
// declaration does not reset value or revision.
func (self *Replicator) Declare(name string, namespace string, opts *Options) (*ServerReplicant, error) {
	replicant, rejectReason, err := self.declare(name, namespace, opts)
	if err != nil {
		return nil, err
	}
	if rejectReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrValueInvalid, rejectReason)
	}
	return replicant, nil
}

// Replicant returns the declared replicant or nil.
func (self *Replicator) Replicant(name string, namespace string) *ServerReplicant {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.declared[namespace][name]
}

// DeclaredReplicants snapshots the registry.
func (self *Replicator) DeclaredReplicants() []*ServerReplicant {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := []*ServerReplicant{}
	for _, byName := range self.declared {
		for _, replicant := range byName {
			out = append(out, replicant)
		}
	}
	return out
}

func (self *Replicator) declare(name string, namespace string, opts *Options) (*ServerReplicant, string, error) {
	if name == "" || namespace == "" {
		return nil, "", fmt.Errorf("name and namespace must be non-empty")
	}
	if opts == nil {
		opts = &Options{}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if replicant, ok := self.declared[namespace][name]; ok {
		return replicant, "", nil
	}

	store, err := self.namespaceStoreLocked(namespace)
	if err != nil {
		// run without persistence rather than fail the declaration
		glog.Infof("[d]%s/%s store error = %s\n", namespace, name, err)
		store = nil
	}

	var schema *Schema
	if self.settings.SchemaPath != nil {
		if schemaPath := self.settings.SchemaPath(namespace, name); schemaPath != "" {
			schema, err = LoadSchema(schemaPath)
			if err != nil {
				// schema load failures are not fatal. the replicant
				// runs without validation and without a schemaSum.
				glog.Infof("[d]%s/%s schema error = %s\n", namespace, name, err)
				schema = nil
			}
		}
	}

	persistenceInterval := self.settings.PersistenceInterval
	if 0 < opts.PersistenceIntervalMillis {
		persistenceInterval = time.Duration(opts.PersistenceIntervalMillis) * time.Millisecond
	}

	replicant := newServerReplicant(
		name,
		namespace,
		opts.IsPersistent(),
		schema,
		store,
		func(broadcast *OperationsBroadcast, exclude *Socket) {
			if self.transport != nil {
				self.transport.Broadcast(RoomName(namespace), EventOperations, broadcast, exclude)
			}
		},
		&ServerReplicantSettings{
			PersistenceInterval: persistenceInterval,
		},
	)

	rejectReason := self.seedValue(replicant, opts, store)
	if rejectReason != "" {
		return nil, rejectReason, nil
	}

	byName, ok := self.declared[namespace]
	if !ok {
		byName = map[string]*ServerReplicant{}
		self.declared[namespace] = byName
	}
	byName[name] = replicant

	glog.Infof("[d]%s/%s declared rev=0 schemaSum=%s\n", namespace, name, replicant.SchemaSum())
	return replicant, "", nil
}

// seedValue establishes the initial value: a valid persisted snapshot wins,
// then the declared default, then schema derived defaults, then undefined.
// A persisted value that no longer validates is discarded and the replicant
// restarts at revision 0 from defaults.
func (self *Replicator) seedValue(replicant *ServerReplicant, opts *Options, store Store) string {
	if replicant.persistent && store != nil {
		persisted, ok, err := store.GetItem(fmt.Sprintf("%s.rep", replicant.name))
		if err != nil {
			glog.Infof("[d]%s/%s load error = %s\n", replicant.namespace, replicant.name, err)
		} else if ok && persisted != "" {
			// the empty string persists an undefined value; fall
			// through to the declared defaults
			var value any
			if err := json.Unmarshal([]byte(persisted), &value); err != nil {
				glog.Infof("[d]%s/%s corrupt snapshot, discarding = %s\n", replicant.namespace, replicant.name, err)
			} else if replicant.schema != nil && replicant.schema.Validate(value) != nil {
				glog.Infof("[d]%s/%s persisted value no longer validates, discarding\n", replicant.namespace, replicant.name)
			} else {
				replicant.install(value, true)
				return ""
			}
		}
	}

	if opts.DefaultValue != nil {
		value, err := normalizeValue(opts.DefaultValue)
		if err == nil && replicant.schema != nil {
			err = replicant.schema.Validate(value)
		}
		if err != nil {
			return err.Error()
		}
		replicant.install(value, true)
		replicant.requestSave()
		return ""
	}

	if replicant.schema != nil {
		replicant.install(replicant.schema.Defaults(), true)
		replicant.requestSave()
		return ""
	}

	replicant.install(nil, false)
	return ""
}

func (self *Replicator) namespaceStoreLocked(namespace string) (Store, error) {
	if store, ok := self.storesByNs[namespace]; ok {
		return store, nil
	}
	if self.stores == nil {
		return nil, nil
	}
	store, err := self.stores.Namespace(namespace)
	if err != nil {
		return nil, err
	}
	self.storesByNs[namespace] = store
	return store, nil
}

// transport handlers

func (self *Replicator) handleDeclare(socket *Socket, payload json.RawMessage) (any, error) {
	var request DeclareRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, err
	}
	// schemas are server owned
	request.Opts.SchemaPath = ""

	replicant, rejectReason, err := self.declare(request.Name, request.Namespace, &request.Opts)
	if err != nil {
		return nil, err
	}
	if rejectReason != "" {
		glog.Infof("[d]%s/%s reject = %s\n", request.Namespace, request.Name, rejectReason)
		return &DeclareResponse{
			RejectReason: rejectReason,
		}, nil
	}

	self.transport.Join(socket, RoomName(request.Namespace))
	return replicant.Snapshot(), nil
}

func (self *Replicator) handlePropose(socket *Socket, payload json.RawMessage) (any, error) {
	var request ProposeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, err
	}

	replicant := self.Replicant(request.Name, request.Namespace)
	if replicant == nil {
		// a proposal for an undeclared replicant is a protocol error
		glog.Infof("[p]%s/%s propose before declare, disconnecting %s\n", request.Namespace, request.Name, socket.SocketId())
		socket.Close()
		return nil, ErrNotDeclared
	}

	response := replicant.ApplyProposal(request.Revision, request.SchemaSum, request.Operations, socket)
	if response.RejectReason != "" {
		glog.Infof("[p]%s/%s reject rev=%d = %s\n", request.Namespace, request.Name, request.Revision, response.RejectReason)
	} else {
		glog.V(2).Infof("[p]%s/%s accept rev=%d ops=%d\n", request.Namespace, request.Name, response.Revision, len(request.Operations))
	}
	return response, nil
}

func (self *Replicator) handleRead(socket *Socket, payload json.RawMessage) (any, error) {
	var request ReadRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, err
	}
	replicant := self.Replicant(request.Name, request.Namespace)
	if replicant == nil {
		return nil, nil
	}
	// no subscription is established by a read
	return replicant.Value(), nil
}

// SaveAllReplicants writes a final snapshot for every persistent replicant,
// used at shutdown.
func (self *Replicator) SaveAllReplicants() {
	for _, replicant := range self.DeclaredReplicants() {
		if err := replicant.SaveNow(); err != nil {
			glog.Infof("[s]%s/%s final save error = %s\n", replicant.Namespace(), replicant.Name(), err)
		}
	}
}

func (self *Replicator) Close() {
	self.cancel()
	self.SaveAllReplicants()
}
