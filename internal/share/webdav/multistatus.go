package webdav

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/share"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:getlastmodified/>
    <d:getetag/>
    <d:getcontenttype/>
    <d:resourcetype/>
    <d:quota-used-bytes/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	LastModified   string       `xml:"DAV: getlastmodified"`
	ETag           string       `xml:"DAV: getetag"`
	ContentType    string       `xml:"DAV: getcontenttype"`
	QuotaUsedBytes *string      `xml:"DAV: quota-used-bytes"`
	ResourceType   resourceType `xml:"DAV: resourcetype"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// isFolder reports whether the properties describe a collection. Nextcloud
// only reports quota usage on folders.
func (p prop) isFolder() bool {
	return p.ResourceType.Collection != nil || p.QuotaUsedBytes != nil
}

func parseMultistatus(data []byte) ([]share.RemoteFile, error) {
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("decoding multistatus: %w", err)
	}

	var files []share.RemoteFile
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if ps.Status != "" && !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			if ps.Prop.isFolder() {
				continue
			}

			modified, err := http.ParseTime(strings.TrimSpace(ps.Prop.LastModified))
			if err != nil {
				return nil, fmt.Errorf("entry %s: invalid getlastmodified %q: %w", r.Href, ps.Prop.LastModified, err)
			}

			files = append(files, share.RemoteFile{
				Name:         hrefName(r.Href),
				Fingerprint:  strings.Trim(ps.Prop.ETag, `"`),
				LastModified: modified,
				ContentType:  ps.Prop.ContentType,
			})
		}
	}
	return files, nil
}

func hrefName(href string) string {
	name := path.Base(strings.TrimRight(href, "/"))
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}
