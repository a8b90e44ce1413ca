package serializer_test

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/jrife/zoom/serializer"
)

type sampleObject struct {
	ID   string   `zoom:"id" json:"id"`
	Name string   `json:"name"`
	Refs []string `zoom:"reflist" json:"refs"`
}

// TestJSONSerializerGoldenEncoding pins down the exact bytes produced for a
// record-style class, guarding against accidental changes to field
// ordering or tagging that would otherwise silently change what gets
// written to the backend. Grounded on roach88-nysm, the only pack repo
// exercising golden-file testing.
func TestJSONSerializerGoldenEncoding(t *testing.T) {
	g := goldie.New(t)

	obj := sampleObject{ID: "a1", Name: "widget", Refs: []string{"x", "y"}}

	data, err := serializer.NewJSONSerializer().Marshal(obj)

	if err != nil {
		t.Fatalf("Marshal() returned error: %s", err)
	}

	g.Assert(t, "sample_object", data)
}
