package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://wildmesh.ai/schemas/"

var schemaFiles = map[string]string{
	TypeHello:   "hello.schema.json",
	TypePeers:   "peers.schema.json",
	TypePeerPos: "peer_pos.schema.json",
	TypeSpawn:   "spawn.schema.json",
	TypeState:   "state.schema.json",
	TypeDeath:   "death.schema.json",
	TypeHarvest: "harvest.schema.json",
	TypeDespawn: "despawn.schema.json",
	TypeSync:    "sync.schema.json",
	TypeSyncReq: "sync_req.schema.json",
}

// Schemas validates raw JSON frames against the embedded message schemas.
type Schemas struct {
	byType map[string]*jsonschema.Schema
}

func LoadSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	names, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		return nil, err
	}
	for _, p := range names {
		b, err := schemaFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+p[len("schemas/"):], bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", p, err)
		}
	}

	s := &Schemas{byType: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for typ, file := range schemaFiles {
		sch, err := c.Compile(schemaBaseURL + file)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}
		s.byType[typ] = sch
	}
	return s, nil
}

// ValidateJSON checks one JSON frame. Errors wrap the same sentinels as Decode.
func (s *Schemas) ValidateJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: frame is not an object", ErrMalformed)
	}
	typ, _ := obj["type"].(string)
	sch := s.byType[typ]
	if sch == nil {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, typ)
	}
	if pv, _ := obj["protocol_version"].(string); pv != "" && pv != Version {
		return fmt.Errorf("%w: %s: %q", ErrVersion, typ, pv)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}
	return nil
}
