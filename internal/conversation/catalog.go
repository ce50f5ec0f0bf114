package conversation

import (
	"context"
	"sync"

	"github.com/escargot-im/msn/internal/contact"
)

// ObjectCatalog is the per-process store of MSN object payloads (emoticons,
// display images) keyed by object checksum. It only tracks presence; blob
// storage lives with the transfer collaborator.
type ObjectCatalog struct {
	mu      sync.RWMutex
	objects map[string]struct{}
}

// NewObjectCatalog creates an empty catalog.
func NewObjectCatalog() *ObjectCatalog {
	return &ObjectCatalog{objects: make(map[string]struct{})}
}

// Has reports whether the object with this checksum was already fetched.
func (o *ObjectCatalog) Has(checksum string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.objects[checksum]
	return ok
}

// Add records a fetched object.
func (o *ObjectCatalog) Add(checksum string) {
	o.mu.Lock()
	o.objects[checksum] = struct{}{}
	o.mu.Unlock()
}

// TransferStarter opens peer-to-peer object transfer sessions. It is an
// external collaborator; the facade only needs to request a fetch and learn
// about completion or abort.
type TransferStarter interface {
	RequestObject(ctx context.Context, from *contact.Contact, objectContext string, onDone func(error))
}

// OIMSender delivers a message to a contact with no live endpoint through
// the offline-messaging web service. External collaborator, same footing as
// TransferStarter.
type OIMSender interface {
	SendOfflineText(ctx context.Context, to *contact.Contact, text string) error
}

// ObjectTransferEvent is the unified completion event for object fetches,
// fired whether a transfer ran or the object was already cached.
type ObjectTransferEvent struct {
	From     *contact.Contact
	Checksum string
	Err      error
}
