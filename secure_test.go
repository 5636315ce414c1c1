package ntfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildSID encodes a SID in readSID's on-disk form.
func buildSID(revision uint8, authority uint64, subAuthorities ...uint32) []byte {
	b := make([]byte, 8+4*len(subAuthorities))
	b[0] = revision
	b[1] = byte(len(subAuthorities))
	for i := 0; i < 6; i++ {
		b[7-i] = byte(authority >> (8 * uint(i)))
	}
	for i, sa := range subAuthorities {
		binary.LittleEndian.PutUint32(b[8+4*i:12+4*i], sa)
	}
	return b
}

// buildSecurityDescriptor assembles a self-relative descriptor with only an
// owner SID, per ParseSecurityDescriptor's header layout.
func buildSecurityDescriptor(owner []byte) []byte {
	const hdrLen = 20
	b := make([]byte, hdrLen+len(owner))
	binary.LittleEndian.PutUint32(b[4:8], hdrLen) // ownerOff
	copy(b[hdrLen:], owner)
	return b
}

// buildSDSEntry wraps a descriptor payload with its (Hash, SecurityID,
// Offset, Length) header, as $Secure's $SDS stream stores it. Length covers
// the whole entry (header + payload), matching iterEntries' use of it to
// step to the next entry.
func buildSDSEntry(securityID uint32, streamOffset int64, payload []byte) []byte {
	const hdrLen = 20
	b := make([]byte, hdrLen+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], 0xDEADBEEF) // Hash, unused by Lookup
	binary.LittleEndian.PutUint32(b[4:8], securityID)
	binary.LittleEndian.PutUint64(b[8:16], uint64(streamOffset))
	binary.LittleEndian.PutUint32(b[16:20], uint32(hdrLen+len(payload)))
	copy(b[hdrLen:], payload)
	return b
}

func TestSecureLookupBruteForce(t *testing.T) {
	owner := buildSID(1, 5, 21, 512)
	descriptor := buildSecurityDescriptor(owner)
	entry := buildSDSEntry(7, 0, descriptor)

	sds := bytes.NewReader(entry)
	sec, err := NewSecureFromSDS(sds, nil)
	if err != nil {
		t.Fatalf("NewSecureFromSDS: %v", err)
	}

	sd, err := sec.Lookup(7)
	if err != nil {
		t.Fatalf("Lookup(7): %v", err)
	}
	if sd.Owner == nil {
		t.Fatal("Lookup(7).Owner = nil, want a SID")
	}
	wantSID := SID{Revision: 1, IdentifierAuthority: 5, SubAuthorities: []uint32{21, 512}}
	if sd.Owner.Revision != wantSID.Revision || sd.Owner.IdentifierAuthority != wantSID.IdentifierAuthority ||
		len(sd.Owner.SubAuthorities) != 2 || sd.Owner.SubAuthorities[0] != 21 || sd.Owner.SubAuthorities[1] != 512 {
		t.Errorf("Lookup(7).Owner = %+v, want %+v", *sd.Owner, wantSID)
	}
	if got, want := sd.Owner.String(), "S-1-5-21-512"; got != want {
		t.Errorf("Owner.String() = %q, want %q", got, want)
	}
}

func TestSecureLookupNotFound(t *testing.T) {
	entry := buildSDSEntry(7, 0, buildSecurityDescriptor(buildSID(1, 5, 21)))
	sec, err := NewSecureFromSDS(bytes.NewReader(entry), nil)
	if err != nil {
		t.Fatalf("NewSecureFromSDS: %v", err)
	}
	if _, err := sec.Lookup(99); err == nil {
		t.Fatal("expected NotFoundError for an absent security ID")
	}
}

func TestSecureDescriptorsIteratesAll(t *testing.T) {
	e1 := buildSDSEntry(1, 0, buildSecurityDescriptor(buildSID(1, 5, 18)))
	// 16-byte align after e1, matching iterEntries' stride.
	pad := (-int64(len(e1))) & 0xF
	e2off := int64(len(e1)) + pad
	e2 := buildSDSEntry(2, e2off, buildSecurityDescriptor(buildSID(1, 5, 32, 544)))

	buf := append(append(e1, make([]byte, pad)...), e2...)
	sec, err := NewSecureFromSDS(bytes.NewReader(buf), nil)
	if err != nil {
		t.Fatalf("NewSecureFromSDS: %v", err)
	}
	descs, err := sec.Descriptors()
	if err != nil {
		t.Fatalf("Descriptors: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("Descriptors() returned %d, want 2", len(descs))
	}
	if descs[0].Owner.SubAuthorities[0] != 18 || descs[1].Owner.SubAuthorities[0] != 32 {
		t.Errorf("Descriptors() = %+v, want entries for security IDs 1 then 2 in order", descs)
	}
}

func TestACLParsesStandardACE(t *testing.T) {
	sid := buildSID(1, 5, 18)
	ace := make([]byte, 4+4+len(sid))
	ace[0] = byte(ACETypeAccessAllowed)
	binary.LittleEndian.PutUint16(ace[2:4], uint16(len(ace)))
	binary.LittleEndian.PutUint32(ace[4:8], 0x1F01FF) // Mask
	copy(ace[8:], sid)

	acl := make([]byte, 8+len(ace))
	acl[0] = 2 // Revision
	binary.LittleEndian.PutUint16(acl[2:4], uint16(len(acl)))
	binary.LittleEndian.PutUint16(acl[4:6], 1) // ACE count
	copy(acl[8:], ace)

	parsed, err := parseACL(byteReaderAt(acl), 0)
	if err != nil {
		t.Fatalf("parseACL: %v", err)
	}
	if len(parsed.ACEs) != 1 {
		t.Fatalf("parseACL returned %d ACEs, want 1", len(parsed.ACEs))
	}
	got := parsed.ACEs[0]
	if got.Type != ACETypeAccessAllowed || got.Mask == nil || *got.Mask != 0x1F01FF {
		t.Errorf("ACE = %+v, want AccessAllowed with mask 0x1F01FF", got)
	}
	if got.SID == nil || got.SID.SubAuthorities[0] != 18 {
		t.Errorf("ACE.SID = %+v, want SID with sub-authority 18", got.SID)
	}
}
