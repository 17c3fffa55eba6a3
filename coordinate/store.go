package coordinate

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// the durable document store is external to the coordinator.
// every call is treated as potentially failing and potentially slow.
// AppendChange and UpdateHead are two calls, not one transaction.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentId string) (*Document, error)
	CreateDocument(ctx context.Context, document *Document) (*Document, error)
	UpdateDocument(ctx context.Context, document *Document) error
	DeleteDocument(ctx context.Context, documentId string) error
	ListDocuments(ctx context.Context, userId string) ([]*Document, error)

	// appends to the document change log and returns the generated change id
	AppendChange(ctx context.Context, documentId string, change *Change) (string, error)
	UpdateHead(ctx context.Context, documentId string, version int64, lastModified time.Time) error
	ListChanges(ctx context.Context, documentId string, sinceVersion int64) ([]*Change, error)
}

// in-memory store for tests and single-process development
type memoryStore struct {
	mutex     sync.Mutex
	documents map[string]*Document
	changes   map[string][]*Change
}

func NewMemoryStore() DocumentStore {
	return &memoryStore{
		documents: map[string]*Document{},
		changes:   map[string][]*Change{},
	}
}

func (self *memoryStore) GetDocument(ctx context.Context, documentId string) (*Document, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	document, ok := self.documents[documentId]
	if !ok {
		return nil, &NotFoundError{DocumentId: documentId}
	}
	c := *document
	c.Collaborators = slices.Clone(document.Collaborators)
	return &c, nil
}

func (self *memoryStore) CreateDocument(ctx context.Context, document *Document) (*Document, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	c := *document
	if c.DocumentId == "" {
		c.DocumentId = NewId().String()
	}
	c.Collaborators = slices.Clone(document.Collaborators)
	if c.LastModified.IsZero() {
		c.LastModified = time.Now()
	}
	self.documents[c.DocumentId] = &c

	out := c
	out.Collaborators = slices.Clone(c.Collaborators)
	return &out, nil
}

func (self *memoryStore) UpdateDocument(ctx context.Context, document *Document) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	current, ok := self.documents[document.DocumentId]
	if !ok {
		return &NotFoundError{DocumentId: document.DocumentId}
	}
	current.Name = document.Name
	current.Collaborators = slices.Clone(document.Collaborators)
	return nil
}

func (self *memoryStore) DeleteDocument(ctx context.Context, documentId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.documents[documentId]; !ok {
		return &NotFoundError{DocumentId: documentId}
	}
	delete(self.documents, documentId)
	delete(self.changes, documentId)
	return nil
}

func (self *memoryStore) ListDocuments(ctx context.Context, userId string) ([]*Document, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	documents := []*Document{}
	for _, document := range maps.Values(self.documents) {
		if document.CanAccess(userId) {
			c := *document
			c.Collaborators = slices.Clone(document.Collaborators)
			documents = append(documents, &c)
		}
	}
	slices.SortFunc(documents, func(a *Document, b *Document) int {
		return b.LastModified.Compare(a.LastModified)
	})
	return documents, nil
}

func (self *memoryStore) AppendChange(ctx context.Context, documentId string, change *Change) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.documents[documentId]; !ok {
		return "", &NotFoundError{DocumentId: documentId}
	}
	c := *change
	c.ChangeId = NewId().String()
	self.changes[documentId] = append(self.changes[documentId], &c)
	return c.ChangeId, nil
}

func (self *memoryStore) UpdateHead(ctx context.Context, documentId string, version int64, lastModified time.Time) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	document, ok := self.documents[documentId]
	if !ok {
		return &NotFoundError{DocumentId: documentId}
	}
	document.Version = version
	document.LastModified = lastModified
	return nil
}

func (self *memoryStore) ListChanges(ctx context.Context, documentId string, sinceVersion int64) ([]*Change, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.documents[documentId]; !ok {
		return nil, &NotFoundError{DocumentId: documentId}
	}
	changes := []*Change{}
	for _, change := range self.changes[documentId] {
		if sinceVersion < change.Version {
			c := *change
			changes = append(changes, &c)
		}
	}
	return changes, nil
}
