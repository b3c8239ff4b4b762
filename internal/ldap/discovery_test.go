package ldap

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver struct {
	records map[string][]*net.SRV
	lookups []string
}

func (r *fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	r.lookups = append(r.lookups, name)
	records, ok := r.records[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, records, nil
}

func TestSRVDiscovery_DiscoverServers(t *testing.T) {
	tests := []struct {
		name        string
		records     map[string][]*net.SRV
		wantHosts   []string
		wantTLS     bool
		wantSource  string
		wantLookups int
	}{
		{
			name: "ldaps preferred",
			records: map[string][]*net.SRV{
				"_ldaps._tcp.example.com": {
					{Target: "dc2.example.com.", Port: 636, Priority: 10, Weight: 50},
					{Target: "dc1.example.com.", Port: 636, Priority: 0, Weight: 100},
				},
				"_ldap._tcp.example.com": {
					{Target: "dc3.example.com.", Port: 389},
				},
			},
			wantHosts:   []string{"dc1.example.com", "dc2.example.com"},
			wantTLS:     true,
			wantSource:  "srv",
			wantLookups: 1,
		},
		{
			name: "ldap and global catalog",
			records: map[string][]*net.SRV{
				"_ldap._tcp.example.com": {{Target: "dc1.example.com.", Port: 389}},
				"_gc._tcp.example.com":   {{Target: "gc1.example.com.", Port: 3268, Priority: 5}},
			},
			wantHosts:   []string{"dc1.example.com", "gc1.example.com"},
			wantSource:  "srv",
			wantLookups: 3,
		},
		{
			name:        "fallback",
			records:     map[string][]*net.SRV{},
			wantHosts:   []string{"example.com", "example.com"},
			wantTLS:     true,
			wantSource:  "fallback",
			wantLookups: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{records: tt.records}
			servers, err := NewSRVDiscovery(resolver).DiscoverServers(t.Context(), "example.com")
			if err != nil {
				t.Fatalf("DiscoverServers() unexpected error: %v", err)
			}

			if len(servers) != len(tt.wantHosts) {
				t.Fatalf("DiscoverServers() got %d servers, want %d", len(servers), len(tt.wantHosts))
			}
			for i, server := range servers {
				if server.Host != tt.wantHosts[i] {
					t.Errorf("server %d host = %s, want %s", i, server.Host, tt.wantHosts[i])
				}
				if server.Source != tt.wantSource {
					t.Errorf("server %d source = %s, want %s", i, server.Source, tt.wantSource)
				}
				if err := ValidateServerInfo(server); err != nil {
					t.Errorf("server %d validation failed: %v", i, err)
				}
			}
			if servers[0].UseTLS != tt.wantTLS {
				t.Errorf("first server UseTLS = %v, want %v", servers[0].UseTLS, tt.wantTLS)
			}
			if len(resolver.lookups) != tt.wantLookups {
				t.Errorf("lookups = %v, want %d", resolver.lookups, tt.wantLookups)
			}
		})
	}

	if _, err := NewSRVDiscovery(&fakeResolver{}).DiscoverServers(t.Context(), ""); err == nil {
		t.Error("DiscoverServers() with empty domain expected error")
	}
}

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    ServerInfo
		wantErr bool
	}{
		{
			name: "ldaps with port",
			url:  "ldaps://dc1.example.com:3269",
			want: ServerInfo{Host: "dc1.example.com", Port: 3269, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name: "ldap without port",
			url:  "ldap://dc1.example.com",
			want: ServerInfo{Host: "dc1.example.com", Port: 389, Weight: 100, Source: "config"},
		},
		{
			name: "ldaps without port, trailing path",
			url:  "LDAPS://dc1.example.com/",
			want: ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name: "ipv6 literal",
			url:  "ldap://[2001:db8::1]:1389",
			want: ServerInfo{Host: "2001:db8::1", Port: 1389, Weight: 100, Source: "config"},
		},
		{name: "empty URL", url: "", wantErr: true},
		{name: "invalid scheme", url: "https://dc1.example.com", wantErr: true},
		{name: "invalid port", url: "ldap://dc1.example.com:abc", wantErr: true},
		{name: "missing host", url: "ldap://:389", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLDAPURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseLDAPURL() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLDAPURL() unexpected error: %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseLDAPURL() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestValidateServerInfo(t *testing.T) {
	tests := []struct {
		name    string
		server  *ServerInfo
		wantErr bool
	}{
		{name: "valid server", server: &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100}},
		{name: "nil server", server: nil, wantErr: true},
		{name: "empty host", server: &ServerInfo{Port: 636}, wantErr: true},
		{name: "invalid port - zero", server: &ServerInfo{Host: "dc1.example.com"}, wantErr: true},
		{name: "invalid port - too high", server: &ServerInfo{Host: "dc1.example.com", Port: 70000}, wantErr: true},
		{name: "negative priority", server: &ServerInfo{Host: "dc1.example.com", Port: 636, Priority: -1}, wantErr: true},
		{name: "negative weight", server: &ServerInfo{Host: "dc1.example.com", Port: 636, Weight: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerInfo(tt.server)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServerInfo() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerInfo_URL(t *testing.T) {
	ldaps := &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}
	if got := ldaps.URL(); got != "ldaps://dc1.example.com:636" {
		t.Errorf("URL() = %s", got)
	}
	ldap := &ServerInfo{Host: "2001:db8::1", Port: 389}
	if got := ldap.URL(); got != "ldap://[2001:db8::1]:389" {
		t.Errorf("URL() = %s", got)
	}
}

func TestSortServersByPriority(t *testing.T) {
	servers := []*ServerInfo{
		{Host: "dc3", Priority: 2, Weight: 50},
		{Host: "dc1", Priority: 1, Weight: 100},
		{Host: "dc2", Priority: 1, Weight: 50},
		{Host: "dc4", Priority: 0, Weight: 100},
	}

	sortServersByPriority(servers)

	expected := []string{"dc4", "dc1", "dc2", "dc3"}
	for i, server := range servers {
		if server.Host != expected[i] {
			t.Errorf("Position %d: got %s, want %s", i, server.Host, expected[i])
		}
	}
}

func TestSRVDiscovery_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	// A cancelled lookup behaves like a missing record.
	resolver := cancelledResolver{}
	servers, err := NewSRVDiscovery(resolver).DiscoverServers(ctx, "example.com")
	if err != nil {
		t.Fatalf("DiscoverServers() unexpected error: %v", err)
	}
	if servers[0].Source != "fallback" {
		t.Errorf("source = %s, want fallback", servers[0].Source)
	}
}

type cancelledResolver struct{}

func (cancelledResolver) LookupSRV(ctx context.Context, _, _, _ string) (string, []*net.SRV, error) {
	return "", nil, errors.Join(ctx.Err(), errors.New("lookup aborted"))
}
