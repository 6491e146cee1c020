package profile

import (
	"encoding/json"
	"strings"
)

// OSType is the operating system a profile's browser presents itself as.
type OSType string

const (
	OSWindows OSType = "windows"
	OSMacOS   OSType = "macos"
	OSLinux   OSType = "linux"
)

// OSTypes lists the supported values in display order.
var OSTypes = []OSType{OSWindows, OSMacOS, OSLinux}

// LookupOSType resolves a case-insensitive OS name.
func LookupOSType(s string) (OSType, bool) {
	switch OSType(strings.ToLower(strings.TrimSpace(s))) {
	case OSWindows:
		return OSWindows, true
	case OSMacOS:
		return OSMacOS, true
	case OSLinux:
		return OSLinux, true
	}
	return "", false
}

// ParseOSType is LookupOSType with unknown and empty values mapped to
// OSWindows.
func ParseOSType(s string) OSType {
	if os, ok := LookupOSType(s); ok {
		return os
	}
	return OSWindows
}

// Profile is a named, persisted browser identity. Name is both the record
// key and the name of the profile's data directory.
type Profile struct {
	Name   string
	Proxy  string
	OSType OSType
}

// HasProxy reports whether the profile routes through a proxy.
func (p Profile) HasProxy() bool {
	return p.Proxy != ""
}

// record is the on-disk shape. Proxy is null when unset; config.os is the
// legacy location of the OS type.
type record struct {
	Name   string  `json:"name"`
	Proxy  *string `json:"proxy"`
	OSType string  `json:"os_type,omitempty"`
	Config *struct {
		OS string `json:"os"`
	} `json:"config,omitempty"`
}

// MarshalJSON writes {"name", "proxy", "os_type"} with a null proxy when
// unset.
func (p Profile) MarshalJSON() ([]byte, error) {
	rec := record{
		Name:   p.Name,
		OSType: string(ParseOSType(string(p.OSType))),
	}
	if p.Proxy != "" {
		proxy := p.Proxy
		rec.Proxy = &proxy
	}
	return json.Marshal(rec)
}

// UnmarshalJSON accepts current and legacy records. Missing or unknown OS
// types become OSWindows.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	osType := rec.OSType
	if osType == "" && rec.Config != nil {
		osType = rec.Config.OS
	}

	*p = Profile{
		Name:   rec.Name,
		OSType: ParseOSType(osType),
	}
	if rec.Proxy != nil && *rec.Proxy != "None" {
		p.Proxy = *rec.Proxy
	}
	return nil
}
