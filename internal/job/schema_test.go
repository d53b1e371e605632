// Copyright 2025 James Ross
package job

import "testing"

func TestValidateSchemaAcceptsWellFormedBody(t *testing.T) {
	body := []byte(`{"prompt":"a cat","width":512,"height":512,"steps":20,"cfg_scale":7.0,"sampler":"euler_ancestral","seed":-1,"model":"v1-5-pruned-emaonly.ckpt","num_images":1}`)
	if verr := ValidateSchema(body); verr != nil {
		t.Fatalf("expected no schema error, got %+v", verr.Fields)
	}
}

func TestValidateSchemaRejectsMissingPrompt(t *testing.T) {
	body := []byte(`{"width":512,"height":512}`)
	verr := ValidateSchema(body)
	if verr == nil {
		t.Fatal("expected schema error for missing prompt")
	}
}

func TestValidateSchemaRejectsWrongFieldType(t *testing.T) {
	body := []byte(`{"prompt":"a cat","steps":"lots"}`)
	verr := ValidateSchema(body)
	if verr == nil {
		t.Fatal("expected schema error for steps as a string")
	}
}

func TestValidateSchemaRejectsUnknownField(t *testing.T) {
	body := []byte(`{"prompt":"a cat","sampler_name":"euler"}`)
	verr := ValidateSchema(body)
	if verr == nil {
		t.Fatal("expected schema error for the disallowed sampler_name alias")
	}
}
