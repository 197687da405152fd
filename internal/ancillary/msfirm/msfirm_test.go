package msfirm

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/sonyfw/fwimg/internal/codecerr"
	"github.com/sonyfw/fwimg/internal/fstree"
)

func testKey(fill byte) Key {
	k := make([]byte, keyLen)
	for i := range k {
		k[i] = fill ^ byte(i)
	}
	return Key{Name: "CXD4108_ms", Key: k}
}

func buildImage(t *testing.T, key Key) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := Write(&buf, key, Contents{
		Model:   0x2000001,
		Region:  1,
		Version: "1.00",
		Files: []fstree.UnixFile{
			{Path: "/firmware.dat", Contents: bytes.NewReader([]byte("warm boot payload"))},
			{Path: "/BodyUdtr.sh", Contents: bytes.NewReader([]byte("#!/bin/sh\n"))},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	key := testKey(0xd7)
	img := bytes.NewReader(buildImage(t, key))

	if !Is(img, []Key{key}) {
		t.Fatal("Is = false on a freshly written image")
	}

	name, c, err := Read(img, []Key{key})
	if err != nil {
		t.Fatal(err)
	}
	if name != key.Name {
		t.Errorf("crypter name = %q, want %q", name, key.Name)
	}
	if c.Model != 0x2000001 || c.Region != 1 || c.Version != "1.00" {
		t.Errorf("identity = %#x/%d/%q", c.Model, c.Region, c.Version)
	}

	want := map[string]string{
		"/firmware.dat": "warm boot payload",
		"/BodyUdtr.sh":  "#!/bin/sh\n",
	}
	if len(c.Files) != 3 {
		t.Fatalf("got %d files, want manifest + 2 bodies", len(c.Files))
	}
	if c.Files[0].Path != "/cntent.dat" {
		t.Errorf("first file = %q, want the manifest", c.Files[0].Path)
	}
	for _, f := range c.Files[1:] {
		data, err := io.ReadAll(f.Contents)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want[f.Path] {
			t.Errorf("%s = %q, want %q", f.Path, data, want[f.Path])
		}
	}
}

func TestTrialKeyOrder(t *testing.T) {
	key := testKey(0x3c)
	wrong := testKey(0x81)
	wrong.Name = "CXD4105_ms"
	img := bytes.NewReader(buildImage(t, key))

	// The wrong key fails its seal check and the trial moves on.
	name, _, err := Read(img, []Key{wrong, key})
	if err != nil {
		t.Fatal(err)
	}
	if name != key.Name {
		t.Errorf("crypter name = %q, want %q", name, key.Name)
	}

	if _, _, err := Read(img, []Key{wrong}); !errors.Is(err, codecerr.WrongMagic) {
		t.Errorf("wrong-key-only error = %v, want WrongMagic", err)
	}
	if Is(img, []Key{wrong}) {
		t.Error("Is = true under a key that cannot verify the seal")
	}
}

func TestCorruptBodyDetected(t *testing.T) {
	key := testKey(0x55)
	raw := buildImage(t, key)
	raw[len(raw)-1] ^= 0xff // flip a byte inside the last body section

	_, _, err := Read(bytes.NewReader(raw), []Key{key})
	if !errors.Is(err, codecerr.WrongChecksum) {
		t.Errorf("corrupt body error = %v, want WrongChecksum", err)
	}
}

func TestManifestChecksumCoversPayload(t *testing.T) {
	key := testKey(0x0f)
	raw := buildImage(t, key)

	// Decrypt the manifest, corrupt a byte inside its summed region,
	// re-seal the section so only the INI checksum can catch it.
	manifest := keystream(key.Key, raw[headerLen:headerLen+manifestSize])
	manifest[manifestSize-1] ^= 0x01
	var resealed bytes.Buffer
	if err := writeSection(&resealed, key.Key, manifest); err != nil {
		t.Fatal(err)
	}
	copy(raw, resealed.Bytes())

	_, _, err := Read(bytes.NewReader(raw), []Key{key})
	if !errors.Is(err, codecerr.WrongChecksum) {
		t.Errorf("corrupt manifest error = %v, want WrongChecksum", err)
	}
}
