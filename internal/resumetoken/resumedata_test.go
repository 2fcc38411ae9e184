package resumetoken

import (
	"testing"

	"github.com/italolelis/assetfetch/internal/resumetoken/tokentest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestDecodeRequest_DefaultsMethod(t *testing.T) {
	data, err := EncodeRequest(&Request{URL: "https://cdn.example.com/doc.pdf"})
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Nil(t, req.Header)
}

func TestDecodeRequest_RelativeURL(t *testing.T) {
	b := newArchiveBuilder()
	root := b.reserve()

	urlClass := b.class(classURL, classObject)
	base := b.add(map[string]interface{}{
		keyClass:       urlClass,
		keyURLBase:     plist.UID(0),
		keyURLRelative: b.add("https://cdn.example.com/previews/"),
	})
	rel := b.add(map[string]interface{}{
		keyClass:       urlClass,
		keyURLBase:     base,
		keyURLRelative: b.add("b.mp3"),
	})

	b.set(root, map[string]interface{}{
		keyClass:   b.class(classRequest, classObject),
		propKey(0): rel,
	})

	data, err := b.encode(root, plist.BinaryFormat)
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/previews/b.mp3", req.URL)
}

func TestDecodeRequest_Rejects(t *testing.T) {
	b := newArchiveBuilder()
	root := b.reserve()
	b.set(root, map[string]interface{}{
		keyClass:   b.class("NSString", classObject),
		propKey(0): b.add("GET"),
	})

	notRequest, err := b.encode(root, plist.BinaryFormat)
	require.NoError(t, err)

	canonical, err := EncodeRequest(sampleRequest())
	require.NoError(t, err)

	altRoot, err := tokentest.AlternateArchive(canonical, tokentest.Options{Keep: 3, AltRoot: true})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "root is not a request", data: notRequest},
		{name: "alternate root key", data: altRoot},
		{name: "not a property list", data: []byte{0x00, 0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestResumeData_URLPrecedence(t *testing.T) {
	d := &ResumeData{DownloadURL: "https://a/download"}
	assert.Equal(t, "https://a/download", d.URL())

	d.CurrentRequest = &Request{URL: "https://a/current"}
	assert.Equal(t, "https://a/current", d.URL())

	d.OriginalRequest = &Request{URL: "https://a/original"}
	assert.Equal(t, "https://a/original", d.URL())
}

func TestDecodeResumeData(t *testing.T) {
	token := sampleToken(t)

	d, err := DecodeResumeData(token)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/previews/a.mp3", d.DownloadURL)
	assert.Equal(t, int64(4096), d.BytesReceived)
	assert.Equal(t, int64(infoVersion), d.InfoVersion)

	archived, err := tokentest.ArchivedToken(token, false)
	require.NoError(t, err)

	_, err = DecodeResumeData(archived)
	assert.Error(t, err, "archived dictionaries are not canonical")

	noURL, err := plist.Marshal(map[string]interface{}{KeyBytesReceived: int64(1)}, plist.XMLFormat)
	require.NoError(t, err)

	_, err = DecodeResumeData(noURL)
	assert.Error(t, err)
}
