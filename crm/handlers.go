package crm

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/handler"
)

// NewRegistry returns the handler registry for records. The registry is shared by
// the write path, reconstruction and rebuilds.
func NewRegistry(opts ...handler.Option) *handler.Registry[Record] {
	r := handler.NewRegistry[Record](opts...)
	r.Register(EventCreated, applyCreated)
	r.Register(EventUpdated, onActive(applyUpdated))
	r.Register(EventFieldsCleared, onActive(applyFieldsCleared))
	r.Register(EventIdentifierAdded, onActive(applyIdentifierAdded))
	r.Register(EventIdentifierRemoved, onActive(applyIdentifierRemoved))
	r.Register(EventContactMethodAdded, onActive(applyContactMethodAdded))
	r.Register(EventContactMethodRemoved, onActive(applyContactMethodRemoved))
	r.Register(EventAffiliationAdded, onActive(applyAffiliationAdded))
	r.Register(EventAffiliationRemoved, onActive(applyAffiliationRemoved))
	r.Register(EventProvenanceRecorded, onActive(applyProvenanceRecorded))
	r.Register(EventMerged, onActive(applyMerged))
	r.Register(EventSplit, onActive(applySplit))
	r.Register(EventDeleted, onActive(applyDeleted))
	r.Register(EventRestored, applyRestored)
	r.HandleUnknown(skipUnknown)
	return r
}

// onActive guards handlers of events that require a live record and stamps the result.
func onActive(fn func(rec *Record, e *es.PersistedEvent) error) handler.Func[Record] {
	return func(prior Record, e *es.PersistedEvent) (Record, error) {
		if !prior.Exists() {
			return prior, fmt.Errorf("%s: %w", e.Ref(), es.ErrNotFound)
		}
		if !prior.Active() {
			return prior, fmt.Errorf("%s is %s: %w", e.Ref(), prior.Status, es.ErrEntityTerminal)
		}
		next := prior.Clone()
		if err := fn(&next, e); err != nil {
			return prior, err
		}
		stamp(&next, e)
		return next, nil
	}
}

// skipUnknown keeps the sequence of an existing record in step with the log for
// event types this version does not know.
func skipUnknown(prior Record, e *es.PersistedEvent) (Record, error) {
	if !prior.Exists() {
		return prior, nil
	}
	next := prior.Clone()
	next.Sequence = e.Sequence
	return next, nil
}

func stamp(rec *Record, e *es.PersistedEvent) {
	rec.Sequence = e.Sequence
	rec.UpdatedAt = e.OccurredAt
}

func applyCreated(prior Record, e *es.PersistedEvent) (Record, error) {
	if prior.Exists() {
		return prior, fmt.Errorf("%s: %w", e.Ref(), es.ErrAlreadyExists)
	}
	p, err := decode[Created](e.Payload)
	if err != nil {
		return prior, err
	}

	rec := Record{
		Ref:            e.Ref(),
		Status:         StatusActive,
		CreatedAt:      e.OccurredAt,
		SplitFrom:      p.SplitFrom,
		Identifiers:    cloneSlice(p.Identifiers),
		ContactMethods: cloneSlice(p.ContactMethods),
		Affiliations:   cloneSlice(p.Affiliations),
	}
	if len(p.Fields) > 0 {
		rec.Fields = make(map[string]string, len(p.Fields))
		for k, v := range p.Fields {
			rec.Fields[k] = v
		}
	}
	for _, prov := range p.Provenance {
		rec.Provenance = append(rec.Provenance, provenanceOf(prov, e))
	}
	stamp(&rec, e)
	return rec, nil
}

func applyUpdated(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[Updated](e.Payload)
	if err != nil {
		return err
	}
	if len(p.Fields) == 0 {
		return nil
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]string, len(p.Fields))
	}
	for k, v := range p.Fields {
		rec.Fields[k] = v
	}
	return nil
}

func applyFieldsCleared(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[FieldsCleared](e.Payload)
	if err != nil {
		return err
	}
	for _, k := range p.Keys {
		delete(rec.Fields, k)
	}
	if len(rec.Fields) == 0 {
		rec.Fields = nil
	}
	return nil
}

func applyIdentifierAdded(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[IdentifierAdded](e.Payload)
	if err != nil {
		return err
	}
	for _, id := range rec.Identifiers {
		if id == p.Identifier {
			return nil
		}
	}
	rec.Identifiers = append(rec.Identifiers, p.Identifier)
	return nil
}

func applyIdentifierRemoved(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[IdentifierRemoved](e.Payload)
	if err != nil {
		return err
	}
	rec.Identifiers = filter(rec.Identifiers, func(id Identifier) bool {
		return id.Kind != p.Kind || id.Value != p.Value
	})
	return nil
}

func applyContactMethodAdded(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[ContactMethodAdded](e.Payload)
	if err != nil {
		return err
	}
	for i := range rec.ContactMethods {
		if rec.ContactMethods[i].ID == p.ID {
			rec.ContactMethods[i] = p.ContactMethod
			return nil
		}
	}
	rec.ContactMethods = append(rec.ContactMethods, p.ContactMethod)
	return nil
}

func applyContactMethodRemoved(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[ContactMethodRemoved](e.Payload)
	if err != nil {
		return err
	}
	rec.ContactMethods = filter(rec.ContactMethods, func(m ContactMethod) bool { return m.ID != p.ID })
	return nil
}

func applyAffiliationAdded(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[AffiliationAdded](e.Payload)
	if err != nil {
		return err
	}
	for i := range rec.Affiliations {
		if rec.Affiliations[i].ID == p.ID {
			rec.Affiliations[i] = p.Affiliation
			return nil
		}
	}
	rec.Affiliations = append(rec.Affiliations, p.Affiliation)
	return nil
}

func applyAffiliationRemoved(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[AffiliationRemoved](e.Payload)
	if err != nil {
		return err
	}
	rec.Affiliations = filter(rec.Affiliations, func(a Affiliation) bool { return a.ID != p.ID })
	return nil
}

func applyProvenanceRecorded(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[ProvenanceRecorded](e.Payload)
	if err != nil {
		return err
	}
	prov := provenanceOf(p.Provenance, e)
	if _, ok := rec.ProvenanceByID(prov.ID); ok {
		return nil
	}
	rec.Provenance = append(rec.Provenance, prov)
	return nil
}

func applyMerged(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[Merged](e.Payload)
	if err != nil {
		return err
	}

	switch p.Role {
	case RoleDuplicate:
		rec.Status = StatusMerged
		rec.MergedInto = uuid.NullUUID{UUID: p.Counterpart, Valid: true}
		rec.Identifiers = nil
		rec.ContactMethods = nil
		rec.Affiliations = nil
		rec.Provenance = nil
	case RoleSurvivor:
		link := MergeLink{At: e.OccurredAt, EntityID: p.Counterpart, CandidateID: p.CandidateID}
		if p.Moved != nil {
			rec.Identifiers = append(rec.Identifiers, p.Moved.Identifiers...)
			rec.ContactMethods = append(rec.ContactMethods, p.Moved.ContactMethods...)
			rec.Affiliations = append(rec.Affiliations, p.Moved.Affiliations...)
			for _, prov := range p.Moved.Provenance {
				rec.Provenance = append(rec.Provenance, prov)
				link.ProvenanceIDs = append(link.ProvenanceIDs, prov.ID)
			}
		}
		rec.MergedFrom = append(rec.MergedFrom, link)
	default:
		return fmt.Errorf("%w: unknown merge role %q", es.ErrInvalidTransition, p.Role)
	}
	return nil
}

func applySplit(rec *Record, e *es.PersistedEvent) error {
	p, err := decode[Split](e.Payload)
	if err != nil {
		return err
	}

	out := make(map[uuid.UUID]bool, len(p.ProvenanceIDs))
	for _, id := range p.ProvenanceIDs {
		out[id] = true
	}
	rec.Identifiers = filter(rec.Identifiers, func(i Identifier) bool { return !out[i.ProvenanceID] })
	rec.ContactMethods = filter(rec.ContactMethods, func(m ContactMethod) bool { return !out[m.ProvenanceID] })
	rec.Affiliations = filter(rec.Affiliations, func(a Affiliation) bool { return !out[a.ProvenanceID] })
	rec.Provenance = filter(rec.Provenance, func(pr Provenance) bool { return !out[pr.ID] })

	for i := len(rec.MergedFrom) - 1; i >= 0; i-- {
		if rec.MergedFrom[i].EntityID == p.OriginEntityID && !rec.MergedFrom[i].Split() {
			rec.MergedFrom[i].SplitInto = p.NewEntityID
			break
		}
	}
	return nil
}

func applyDeleted(rec *Record, _ *es.PersistedEvent) error {
	rec.Status = StatusDeleted
	return nil
}

func applyRestored(prior Record, e *es.PersistedEvent) (Record, error) {
	if !prior.Exists() {
		return prior, fmt.Errorf("%s: %w", e.Ref(), es.ErrNotFound)
	}
	if prior.Status != StatusDeleted {
		return prior, fmt.Errorf("%w: cannot restore a %s record", es.ErrInvalidTransition, prior.Status)
	}
	next := prior.Clone()
	next.Status = StatusActive
	stamp(&next, e)
	return next, nil
}

func provenanceOf(p Provenance, e *es.PersistedEvent) Provenance {
	if p.OriginEntityID == uuid.Nil {
		p.OriginEntityID = e.EntityID
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = e.OccurredAt
	}
	return p
}
