package safenet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeResolver(answers map[string][]string) *Resolver {
	r := NewResolver(nil)
	r.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		ips, ok := answers[host]
		if !ok {
			return nil, fmt.Errorf("no such host: %s", host)
		}
		var addrs []netip.Addr
		for _, ip := range ips {
			addrs = append(addrs, netip.MustParseAddr(ip))
		}
		return addrs, nil
	}
	return r
}

func TestCheckHostBlacklist(t *testing.T) {
	r := NewResolver(nil)

	for _, host := range []string{
		"localhost",
		"LOCALHOST",
		"localhost.",
		"foo.localhost",
		"metadata.google.internal",
		"169.254.169.254",
		"instance-data",
	} {
		assert.Error(t, r.CheckHost(host), "host %s should be blocked", host)
	}

	assert.NoError(t, r.CheckHost("cdn.example.com"))
	assert.NoError(t, r.CheckHost("93.184.216.34"))
}

func TestCheckAddrRangePolicy(t *testing.T) {
	r := NewResolver(nil)

	blocked := []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.0.1",
		"172.31.255.255",
		"192.168.1.1",
		"169.254.169.254",
		"100.64.0.1",
		"0.0.0.0",
		"192.0.2.10",
		"198.51.100.1",
		"203.0.113.7",
		"224.0.0.1",
		"240.0.0.1",
		"::1",
		"::",
		"fe80::1",
		"fc00::1",
		"fd12:3456::1",
		"ff02::1",
		"::ffff:10.0.0.1",
		"::ffff:127.0.0.1",
	}
	for _, ip := range blocked {
		assert.Error(t, r.CheckAddr(netip.MustParseAddr(ip)), "address %s should be refused", ip)
	}

	allowed := []string{"93.184.216.34", "8.8.8.8", "2606:2800:220:1::1", "172.32.0.1"}
	for _, ip := range allowed {
		assert.NoError(t, r.CheckAddr(netip.MustParseAddr(ip)), "address %s should pass", ip)
	}
}

func TestAllowedCIDROverride(t *testing.T) {
	r := NewResolver([]string{"10.10.0.0/16", "not-a-cidr"})

	assert.NoError(t, r.CheckAddr(netip.MustParseAddr("10.10.5.5")))
	assert.Error(t, r.CheckAddr(netip.MustParseAddr("10.11.0.1")))
}

func TestResolveRefusesMixedAnswer(t *testing.T) {
	r := fakeResolver(map[string][]string{
		"evil.example.com": {"93.184.216.34", "10.0.0.5"},
		"good.example.com": {"93.184.216.34"},
	})

	_, err := r.Resolve(context.Background(), "evil.example.com")
	assert.ErrorIs(t, err, ErrDisallowedAddress)

	addr, err := r.Resolve(context.Background(), "good.example.com")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", addr.String())
}

func TestResolveFailsClosed(t *testing.T) {
	r := fakeResolver(map[string][]string{})

	_, err := r.Resolve(context.Background(), "missing.example.com")
	assert.Error(t, err)
}

func TestResolveLiteralIP(t *testing.T) {
	r := NewResolver(nil)

	_, err := r.Resolve(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrDisallowedAddress)

	addr, err := r.Resolve(context.Background(), "93.184.216.34")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", addr.String())
}

// testFetcher wires a Fetcher at a local httptest server by allowing the
// loopback range and answering the test hostname with 127.0.0.1.
func testFetcher(t *testing.T, srv *httptest.Server) (*Fetcher, string) {
	t.Helper()

	r := NewResolver([]string{"127.0.0.0/8"})
	r.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
	}
	return NewFetcher(r, r.Client(5*time.Second)), srv.URL
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "payload")
	})

	f, base := testFetcher(t, srv)
	headers := http.Header{"User-Agent": []string{"test-agent"}}

	resp, err := f.Fetch(context.Background(), base+"/start", headers)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, FinalURL(resp), "/end")
}

func TestFetchRedirectCap(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})

	f, base := testFetcher(t, srv)

	_, err := f.Fetch(context.Background(), base+"/loop", nil)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestFetchRejectsUnsafeRedirectTarget(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://metadata.google.internal/computeMetadata/v1/", http.StatusFound)
	})

	r := NewResolver([]string{"127.0.0.0/8"})
	r.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
	}
	f := NewFetcher(r, r.Client(5*time.Second))

	_, err := f.Fetch(context.Background(), srv.URL+"/start", nil)
	assert.ErrorIs(t, err, ErrBlockedHost)
}

func TestFetchRejectsBadScheme(t *testing.T) {
	r := NewResolver(nil)
	f := NewFetcher(r, r.Client(time.Second))

	_, err := f.Fetch(context.Background(), "file:///etc/passwd", nil)
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "gopher://example.com/", nil)
	assert.Error(t, err)
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "cdn.example.com", HostOnly("http://CDN.example.com:8080/seg/1.ts"))
	assert.Equal(t, "", HostOnly("://bad"))
}
