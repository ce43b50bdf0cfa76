package txqueue

import "testing"

func TestHashPayloadCanonicalization(t *testing.T) {
	base := HashPayload("0xAA", "0x01", "0", 1)

	// 大小写与首尾空白不影响摘要。
	if HashPayload("0xaa", "0x01", "0", 1) != base {
		t.Fatal("address case must not change the hash")
	}
	if HashPayload(" 0xAA ", "0x01", " 0 ", 1) != base {
		t.Fatal("surrounding whitespace must not change the hash")
	}

	if HashPayload("0xBB", "0x01", "0", 1) == base {
		t.Fatal("different target must change the hash")
	}
	if HashPayload("0xAA", "0x01", "0", 2) == base {
		t.Fatal("different chain must change the hash")
	}
}

func TestRequestTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusClaimed:   false,
		StatusConfirmed: true,
		StatusFailed:    true,
	}
	for status, want := range cases {
		req := &Request{Status: status}
		if req.Terminal() != want {
			t.Errorf("Terminal() for %s = %v, want %v", status, req.Terminal(), want)
		}
	}
	var nilReq *Request
	if nilReq.Terminal() {
		t.Error("nil request must not be terminal")
	}
}
