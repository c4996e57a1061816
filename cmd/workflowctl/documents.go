package main

import (
	"context"
	"fmt"
	"sort"
	"sync"

	trigger "github.com/goliatone/go-trigger"
)

// Document is the subject of the bundled "documents" workflow.
type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	State    string `json:"state"`
	Reviewed bool   `json:"reviewed"`
}

func (d *Document) Marking() string         { return d.State }
func (d *Document) SetMarking(place string) { d.State = place }
func (d *Document) SubjectClass() string    { return "Document" }

// DocumentSubmitted is the payload of the document.submitted event.
type DocumentSubmitted struct {
	Document *Document
	By       string
}

// Documents is an in-memory repository exposed to expressions as
// container.Get("documents").
type Documents struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewDocuments(seed ...*Document) *Documents {
	d := &Documents{docs: make(map[string]*Document, len(seed))}
	for _, doc := range seed {
		d.docs[doc.ID] = doc
	}
	return d
}

// Find returns the document with id or an error when it does not exist.
func (d *Documents) Find(id string) (*Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[id]
	if !ok {
		return nil, trigger.NewError(trigger.ErrSubjectNotSupported, fmt.Sprintf("document %q not found", id), nil,
			map[string]any{"id": id})
	}
	return doc, nil
}

func (d *Documents) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.docs))
	for id := range d.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkReviewed is a workflow action.
func (d *Documents) MarkReviewed(wc *trigger.WorkflowContext) error {
	doc, ok := wc.Subject().(*Document)
	if !ok {
		return trigger.NewError(trigger.ErrSubjectNotSupported, fmt.Sprintf("unexpected subject %T", wc.Subject()), nil, nil)
	}
	d.mu.Lock()
	doc.Reviewed = true
	d.mu.Unlock()
	return nil
}

// Notifier logs notifications instead of delivering them.
type Notifier struct {
	logger trigger.Logger
}

func (n *Notifier) Notify(ctx context.Context, wc *trigger.WorkflowContext, recipient, message string) {
	n.logger.WithContext(ctx).Info("notify %s about %s: %s", recipient, wc, message)
}

func seedDocuments() *Documents {
	return NewDocuments(
		&Document{ID: "doc-1", Title: "Quarterly report", Author: "ops@example.com"},
		&Document{ID: "doc-2", Title: "Release notes", Author: "dev@example.com", State: "review"},
	)
}
