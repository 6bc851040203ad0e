package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/colonialwars/cwclient/pkg/secure"
)

// referenceResponseKey recomputes the response key without binconv.
func referenceResponseKey(reqKey string) string {
	units := utf16.Encode([]rune(reqKey + Salt))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	sum := sha256.Sum256(buf)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestComputeResponseKeyMatchesReference(t *testing.T) {
	for _, key := range []string{"AAAAAAAAAAAAAAAAAAAAAA==", "dGhlIHNhbXBsZSBub25jZQ==", ""} {
		got := ComputeResponseKey(key, nil)
		if want := referenceResponseKey(key); got != want {
			t.Errorf("ComputeResponseKey(%q) = %s, want %s", key, got, want)
		}
		if !VerifyResponseKey(key, got, secure.DefaultHasher()) {
			t.Errorf("VerifyResponseKey rejected its own key for %q", key)
		}
	}
}

func TestVerifyResponseKeyRejects(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	if VerifyResponseKey(key, "wrong", nil) {
		t.Error("accepted a wrong key")
	}
	if VerifyResponseKey(key, "", nil) {
		t.Error("accepted an empty key")
	}

	h, err := secure.NewHasher(secure.SHA3_256)
	if err != nil {
		t.Fatal(err)
	}
	if VerifyResponseKey(key, ComputeResponseKey(key, nil), h) {
		t.Error("SHA-256 key accepted under SHA3-256")
	}
}

func TestNewRequestKey(t *testing.T) {
	src := secure.NewSource(bytes.NewReader(make([]byte, RequestKeySize)))
	key, err := NewRequestKey(src)
	if err != nil {
		t.Fatal(err)
	}
	if key != "AAAAAAAAAAAAAAAAAAAAAA==" {
		t.Errorf("key = %q", key)
	}

	a, _ := NewRequestKey(nil)
	b, _ := NewRequestKey(nil)
	if a == b {
		t.Error("two random request keys were identical")
	}
}

func TestControlNames(t *testing.T) {
	if ControlEvent("ping") != EventPing {
		t.Errorf("ControlEvent(ping) = %s", ControlEvent("ping"))
	}
	if ControlEvent(EventPong) != EventPong {
		t.Error("ControlEvent should not double the prefix")
	}
	for _, e := range []string{EventClientHello, EventServerHello, EventPing, EventPong, EventClose, EventCloseAck} {
		if !IsReserved(e) {
			t.Errorf("IsReserved(%s) = false", e)
		}
	}
	if IsReserved(EventUpdate) {
		t.Error("update is not reserved")
	}
}

func TestCloseCodesDistinct(t *testing.T) {
	codes := []CloseCode{
		CloseNormal, CloseAbort, CloseInvalidSubprotocol, CloseHandshakeTimeout,
		ClosePingTimeout, CloseHandshakeAckTimeout, CloseHandshakeFailed,
	}
	reasons := map[string]bool{}
	for _, c := range codes {
		r := c.Reason()
		if reasons[r] {
			t.Errorf("duplicate reason %q", r)
		}
		reasons[r] = true
	}
	if CloseCode(1234).String() != "Code(1234)" {
		t.Errorf("String = %s", CloseCode(1234).String())
	}
	if CloseNormal.IsError() || !ClosePingTimeout.IsError() {
		t.Error("IsError classification wrong")
	}
}
