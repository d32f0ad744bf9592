package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestSnapshotEncodeDecode(t *testing.T) {
	snap := EngagementSnapshot{
		EngagementID: "eng-1",
		Entities: NewEntitySnapshot(4, []Entity{
			Employee{Base: Base{ID: "e1"}, Name: "Ada"},
			Project{Base: Base{ID: "p1"}, Name: "P"},
		}),
		Pipeline: PipelineSnapshot{Stages: []StageRecord{{Stage: "risk", Status: StageSucceeded, Artifacts: []StageArtifact{{ID: "a", Stage: "risk", Payload: json.RawMessage(`{"ok":true}`)}}}}},
	}
	data, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	again, _ := EncodeSnapshot(snap)
	if !bytes.Equal(data, again) {
		t.Fatalf("encoding is not deterministic")
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SchemaVersion != SnapshotSchemaVersion || decoded.EngagementID != "eng-1" {
		t.Fatalf("unexpected header %+v", decoded)
	}
	if decoded.Entities.Len() != 2 || decoded.Entities.Version != 4 {
		t.Fatalf("unexpected entities %+v", decoded.Entities)
	}
	if string(decoded.Pipeline.Stages[0].Artifacts[0].Payload) != `{"ok":true}` {
		t.Fatalf("payload lost")
	}
}

func TestDecodeSnapshotRejectsIncompatibleSchema(t *testing.T) {
	for _, v := range []string{"2.0.0", "0.9.0", "", "banana"} {
		data := []byte(`{"schema_version":"` + v + `"}`)
		if _, err := DecodeSnapshot(data); !errors.Is(err, ErrIncompatibleSnapshot) {
			t.Fatalf("%q: expected incompatible error, got %v", v, err)
		}
	}
	if err := CheckSchemaVersion("1.4.2"); err != nil {
		t.Fatalf("1.x must be accepted: %v", err)
	}
}

func TestEntitySnapshotOrdering(t *testing.T) {
	snap := NewEntitySnapshot(1, []Entity{
		ExternalConnection{Base: Base{ID: "c"}},
		Employee{Base: Base{ID: "e2"}},
		Employee{Base: Base{ID: "e1"}},
	})
	all := snap.Entities()
	if len(all) != 3 || all[0].Meta().ID != "e2" || all[1].Meta().ID != "e1" || all[2].Kind() != KindConnection {
		t.Fatalf("unexpected order %+v", all)
	}
}

func TestDecodeEntity(t *testing.T) {
	e, err := DecodeEntity(KindEmployee, []byte(`{"name":"Ada","department":"R&D","annual_wages":1200}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	emp, ok := e.(Employee)
	if !ok || emp.Name != "Ada" || emp.AnnualWages != 1200 {
		t.Fatalf("unexpected entity %#v", e)
	}
	if _, err := DecodeEntity("widget", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := DecodeEntity(KindProject, []byte(`{"name":`)); err == nil {
		t.Fatalf("expected syntax error")
	}
}
