package model

import (
	"errors"
	"fmt"
	"time"
)

// Service protocol constants.
const (
	ProtocolTCP  = "tcp"
	ProtocolTLS  = "tls"
	ProtocolHTTP = "http"
)

// Service mode constants.
const (
	ServiceInternal = "internal"
	ServiceExternal = "external"
)

// Certificate policy constants for external services.
const (
	CertAuto  = "auto"
	CertNamed = "named"
)

// ServiceTarget names the machine and guest port a service forwards to.
type ServiceTarget struct {
	Machine string `json:"machine"`
	Port    int    `json:"port"`
}

// CertPolicy selects how the certificate of an external service is obtained.
type CertPolicy struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

// Ingress is the public binding of an external service.
type Ingress struct {
	Host           string     `json:"host"`
	TLSTermination bool       `json:"tls_termination,omitempty"`
	Cert           CertPolicy `json:"cert"`
}

// Service is a network binding in front of a machine.
type Service struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Namespace  string        `json:"namespace"`
	Target     ServiceTarget `json:"target"`
	Protocol   string        `json:"protocol"`
	Mode       string        `json:"mode"`
	Ingress    *Ingress      `json:"ingress,omitempty"`
	ListenPort int           `json:"listen_port,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Normalize fills defaults in place.
func (s *Service) Normalize() {
	if s.Namespace == "" {
		s.Namespace = DefaultNamespace
	}
	if s.Protocol == "" {
		s.Protocol = ProtocolTCP
	}
	if s.Mode == "" {
		s.Mode = ServiceInternal
	}
	if s.Ingress != nil && s.Ingress.Cert.Kind == "" {
		s.Ingress.Cert.Kind = CertAuto
	}
}

// Validate checks the service definition.
func (s *Service) Validate() error {
	var errs []error
	if !ValidName(s.Name) {
		errs = append(errs, fmt.Errorf("service name %q must be a lowercase DNS label", s.Name))
	}
	if !ValidName(s.Target.Machine) {
		errs = append(errs, fmt.Errorf("target machine %q must be a lowercase DNS label", s.Target.Machine))
	}
	if s.Target.Port < 1 || s.Target.Port > 65535 {
		errs = append(errs, fmt.Errorf("target port %d out of range", s.Target.Port))
	}
	switch s.Protocol {
	case ProtocolTCP, ProtocolTLS, ProtocolHTTP:
	default:
		errs = append(errs, fmt.Errorf("unknown protocol %q", s.Protocol))
	}

	switch s.Mode {
	case ServiceInternal:
		if s.Ingress != nil {
			errs = append(errs, errors.New("internal services cannot have an ingress"))
		}
	case ServiceExternal:
		if s.Ingress == nil || s.Ingress.Host == "" {
			errs = append(errs, errors.New("external services need an ingress host"))
			break
		}
		switch s.Ingress.Cert.Kind {
		case CertAuto:
		case CertNamed:
			if s.Ingress.Cert.Name == "" {
				errs = append(errs, errors.New("named certificate policy needs a certificate name"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown certificate policy %q", s.Ingress.Cert.Kind))
		}
		if s.Ingress.TLSTermination && s.Protocol == ProtocolTCP {
			errs = append(errs, errors.New("tls termination requires the tls or http protocol"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown service mode %q", s.Mode))
	}
	return errors.Join(errs...)
}

// Image is a locally stored root filesystem image.
type Image struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tags      []string  `json:"tags"`
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}
