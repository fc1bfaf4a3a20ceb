package es

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParseRef(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		input   string
		want    EntityRef
		wantErr bool
	}{
		{name: "valid", input: "contact:" + id.String(), want: EntityRef{Type: "contact", ID: id}},
		{name: "missing separator", input: id.String(), wantErr: true},
		{name: "missing type", input: ":" + id.String(), wantErr: true},
		{name: "bad uuid", input: "company:nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRef(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRef(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestEntityRef_TextRoundTrip(t *testing.T) {
	ref := EntityRef{Type: "company", ID: uuid.New()}

	data, err := json.Marshal(map[string]EntityRef{"target": ref})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]EntityRef
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["target"] != ref {
		t.Errorf("got %v, want %v", decoded["target"], ref)
	}
}

func TestEntityRef_Expect(t *testing.T) {
	ref := EntityRef{Type: "contact", ID: uuid.New()}

	if err := ref.Expect("contact"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ref.Expect("company"); !errors.Is(err, ErrEntityMismatch) {
		t.Errorf("expected ErrEntityMismatch, got %v", err)
	}
}

func TestEntityRef_Validate(t *testing.T) {
	if err := (EntityRef{Type: "contact"}).Validate(); err == nil {
		t.Error("expected error for missing id")
	}
	if err := (EntityRef{ID: uuid.New()}).Validate(); err == nil {
		t.Error("expected error for missing type")
	}
	if !(EntityRef{}).IsZero() {
		t.Error("zero ref should report IsZero")
	}
}

func TestReplayGapError(t *testing.T) {
	err := error(&ReplayGapError{Ref: EntityRef{Type: "contact", ID: uuid.New()}, Expected: 5, Got: 7})

	if !errors.Is(err, ErrReplayGap) {
		t.Error("ReplayGapError should match ErrReplayGap")
	}

	var gap *ReplayGapError
	if !errors.As(err, &gap) || gap.Expected != 5 {
		t.Errorf("errors.As failed or wrong details: %v", err)
	}
}
