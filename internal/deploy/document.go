// Package deploy applies deployment documents: one machine plus the
// services in front of it, written in TOML or JSON.
package deploy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/seantiz/flare/internal/model"
)

// Document describes the desired state of one machine and its services.
type Document struct {
	Name      string            `toml:"name" json:"name"`
	Namespace string            `toml:"namespace,omitempty" json:"namespace,omitempty"`
	Image     string            `toml:"image" json:"image"`
	MemoryMiB int               `toml:"memory" json:"memory"`
	VCPUs     int               `toml:"vcpus" json:"vcpus"`
	Command   []string          `toml:"command,omitempty" json:"command,omitempty"`
	Env       map[string]string `toml:"env,omitempty" json:"env,omitempty"`
	Mode      ModeDoc           `toml:"mode" json:"mode"`
	Scaling   ScalingDoc        `toml:"scaling" json:"scaling"`
	Services  []ServiceDoc      `toml:"services,omitempty" json:"services,omitempty"`
}

// ModeDoc selects always-on or on-demand operation.
type ModeDoc struct {
	Kind                string     `toml:"kind" json:"kind"`
	Snapshot            string     `toml:"snapshot,omitempty" json:"snapshot,omitempty"`
	Stateful            bool       `toml:"stateful,omitempty" json:"stateful,omitempty"`
	AllowIdleConnection bool       `toml:"allow_idle_connection,omitempty" json:"allow_idle_connection,omitempty"`
	IdleTimeoutS        int        `toml:"idle_timeout_s,omitempty" json:"idle_timeout_s,omitempty"`
	Policy              *PolicyDoc `toml:"policy,omitempty" json:"policy,omitempty"`
}

// PolicyDoc is the snapshot trigger of an on-demand machine.
type PolicyDoc struct {
	Kind string `toml:"kind" json:"kind"`
	N    int    `toml:"n,omitempty" json:"n,omitempty"`
	Port int    `toml:"port,omitempty" json:"port,omitempty"`
}

// ScalingDoc sets fixed replicas or an auto-scaling range.
type ScalingDoc struct {
	Kind     string `toml:"kind,omitempty" json:"kind,omitempty"`
	Replicas int    `toml:"replicas,omitempty" json:"replicas,omitempty"`
	Min      int    `toml:"min,omitempty" json:"min,omitempty"`
	Max      int    `toml:"max,omitempty" json:"max,omitempty"`
}

// ServiceDoc is a service targeting the document's machine.
type ServiceDoc struct {
	Name           string `toml:"name" json:"name"`
	Port           int    `toml:"port" json:"port"`
	Protocol       string `toml:"protocol,omitempty" json:"protocol,omitempty"`
	Mode           string `toml:"mode,omitempty" json:"mode,omitempty"`
	Host           string `toml:"host,omitempty" json:"host,omitempty"`
	TLSTermination bool   `toml:"tls_termination,omitempty" json:"tls_termination,omitempty"`
	Cert           string `toml:"cert,omitempty" json:"cert,omitempty"`
}

// Parse decodes a document. JSON is selected by a JSON content type;
// anything else is read as TOML. Unknown fields are rejected.
func Parse(contentType string, data []byte) (*Document, error) {
	var doc Document
	if isJSON(contentType) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse json document: %w", err)
		}
		return &doc, nil
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse toml document: %w", err)
	}
	return &doc, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// MachineSpec returns the normalized machine spec the document describes.
func (d *Document) MachineSpec() model.MachineSpec {
	spec := model.MachineSpec{
		Name:      d.Name,
		Namespace: d.Namespace,
		Image:     d.Image,
		VCPUs:     d.VCPUs,
		MemoryMiB: d.MemoryMiB,
		Env:       d.Env,
		Command:   d.Command,
		Mode: model.Mode{
			Kind:                d.Mode.Kind,
			SnapshotStrategy:    d.Mode.Snapshot,
			Stateful:            d.Mode.Stateful,
			AllowIdleConnection: d.Mode.AllowIdleConnection,
			IdleTimeoutS:        d.Mode.IdleTimeoutS,
		},
		Scaling: model.Scaling{
			Kind:     d.Scaling.Kind,
			Replicas: d.Scaling.Replicas,
			Min:      d.Scaling.Min,
			Max:      d.Scaling.Max,
		},
	}
	if p := d.Mode.Policy; p != nil {
		spec.Policy = &model.SnapshotPolicy{Kind: p.Kind, N: p.N, Port: p.Port}
	}
	spec.Normalize()
	return spec
}

// ServiceSpecs returns the normalized services the document describes.
func (d *Document) ServiceSpecs() []*model.Service {
	spec := d.MachineSpec()
	out := make([]*model.Service, 0, len(d.Services))
	for _, sd := range d.Services {
		svc := &model.Service{
			Name:      sd.Name,
			Namespace: spec.Namespace,
			Target:    model.ServiceTarget{Machine: spec.Name, Port: sd.Port},
			Protocol:  sd.Protocol,
			Mode:      sd.Mode,
		}
		if sd.Host != "" {
			svc.Ingress = &model.Ingress{Host: sd.Host, TLSTermination: sd.TLSTermination}
			if sd.Cert != "" {
				svc.Ingress.Cert = model.CertPolicy{Kind: model.CertNamed, Name: sd.Cert}
			}
			if svc.Mode == "" {
				svc.Mode = model.ServiceExternal
			}
		}
		svc.Normalize()
		out = append(out, svc)
	}
	return out
}
