package uri_test

import (
	"testing"

	"github.com/voicegrid/sipcore/uri"
)

func TestSIP_Render(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		uri  *uri.SIP
		want string
	}{
		{
			name: "host only",
			uri:  &uri.SIP{Addr: uri.Host("voip.com")},
			want: "sip:voip.com",
		},
		{
			name: "user and port",
			uri: &uri.SIP{
				User: uri.User("bob"),
				Addr: uri.HostPort("voip.com", 5080),
			},
			want: "sip:bob@voip.com:5080",
		},
		{
			name: "secured",
			uri: &uri.SIP{
				User:    uri.User("bob"),
				Addr:    uri.Host("voip.com"),
				Secured: true,
			},
			want: "sips:bob@voip.com",
		},
		{
			name: "params sorted and flags bare",
			uri: &uri.SIP{
				Addr: uri.Host("proxy.voip.com"),
				Params: make(uri.Values).
					Set("transport", "tcp").
					Set("lr", ""),
			},
			want: "sip:proxy.voip.com;lr;transport=tcp",
		},
		{
			name: "headers",
			uri: &uri.SIP{
				Addr:    uri.Host("voip.com"),
				Headers: make(uri.Values).Set("subject", "call"),
			},
			want: "sip:voip.com?subject=call",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.uri.Render(nil); got != tt.want {
				t.Fatalf("u.Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSIP_Equal(t *testing.T) {
	t.Parallel()

	u1 := &uri.SIP{User: uri.User("bob"), Addr: uri.Host("voip.com")}
	u2 := &uri.SIP{User: uri.User("bob"), Addr: uri.Host("voip.com")}
	if !u1.Equal(u2) {
		t.Fatal("u1.Equal(u2) = false, want true")
	}

	// a transport parameter on one side only breaks equality
	u2.Params = make(uri.Values).Set("transport", "tcp")
	if u1.Equal(u2) {
		t.Fatal("u1.Equal(u2 with transport) = true, want false")
	}

	// a non-significant parameter on one side only does not
	u3 := &uri.SIP{User: uri.User("bob"), Addr: uri.Host("voip.com")}
	u3.Params = make(uri.Values).Set("x-vendor", "1")
	if !u1.Equal(u3) {
		t.Fatal("u1.Equal(u3 with x-vendor) = false, want true")
	}

	if u1.Equal(&uri.SIP{User: uri.User("alice"), Addr: uri.Host("voip.com")}) {
		t.Fatal("URIs with different users compare equal")
	}
}

func TestSIP_Clone(t *testing.T) {
	t.Parallel()

	u := &uri.SIP{
		User:   uri.User("bob"),
		Addr:   uri.Host("voip.com"),
		Params: make(uri.Values).Set("transport", "tcp"),
	}

	u2, _ := u.Clone().(*uri.SIP)
	if u2 == nil || !u.Equal(u2) {
		t.Fatalf("u.Clone() = %v, want a copy equal to the original", u2)
	}

	u2.Params.Set("transport", "udp")
	if v, _ := u.Params.Last("transport"); v != "tcp" {
		t.Fatal("mutating the clone changed the original params")
	}
}

func TestGetHelpers(t *testing.T) {
	t.Parallel()

	su := &uri.SIP{
		Addr:    uri.HostPort("voip.com", 5080),
		Params:  make(uri.Values).Set("transport", "tcp"),
		Secured: true,
	}
	if got, want := uri.GetScheme(su), "sips"; got != want {
		t.Fatalf("uri.GetScheme() = %q, want %q", got, want)
	}
	if got, want := uri.GetAddr(su), "voip.com:5080"; got != want {
		t.Fatalf("uri.GetAddr() = %q, want %q", got, want)
	}
	if v, _ := uri.GetParams(su).Last("transport"); v != "tcp" {
		t.Fatalf("uri.GetParams() transport = %q, want tcp", v)
	}

	au := &uri.Any{SchemeName: "tel", Opaque: "+15551234567"}
	if got, want := uri.GetScheme(au), "tel"; got != want {
		t.Fatalf("uri.GetScheme() = %q, want %q", got, want)
	}
	if got, want := uri.GetAddr(au), "+15551234567"; got != want {
		t.Fatalf("uri.GetAddr() = %q, want %q", got, want)
	}
	if uri.GetParams(au) != nil {
		t.Fatal("uri.GetParams(Any) != nil, want nil")
	}

	if got := uri.GetScheme(nil); got != "" {
		t.Fatalf("uri.GetScheme(nil) = %q, want empty", got)
	}
}

func TestUserInfo(t *testing.T) {
	t.Parallel()

	ui := uri.User("bob")
	if ui.String() != "bob" || ui.IsZero() {
		t.Fatalf("uri.User(bob) = %q (zero %v), want bob non-zero", ui.String(), ui.IsZero())
	}
	if _, ok := ui.Password(); ok {
		t.Fatal("uri.User() carries a password")
	}

	up := uri.UserPassword("bob", "secret")
	if up.String() != "bob:secret" {
		t.Fatalf("UserInfo.String() = %q, want bob:secret", up.String())
	}
	if pw, ok := up.Password(); !ok || pw != "secret" {
		t.Fatalf("UserInfo.Password() = %q/%v, want secret/true", pw, ok)
	}
	if ui.Equal(up) {
		t.Fatal("user with and without password compare equal")
	}

	if !(uri.UserInfo{}).IsZero() {
		t.Fatal("zero UserInfo IsZero() = false, want true")
	}
}
