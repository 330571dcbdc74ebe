/******************************************************************************
 *
 *  Description :
 *
 *    OpenGraph metadata extraction for link previews. Only the <head> is
 *    needed, so fetches are capped small and short.
 *
 *****************************************************************************/

package main

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// linkPreviewMaxBody caps how much of a page is read; only the <head> is
// needed. The fetch timeout lives on the shared preview client.
const linkPreviewMaxBody = 256 * 1024 // 256 KiB

// LinkPreview holds OpenGraph metadata extracted from a web page.
type LinkPreview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Desc     string `json:"description,omitempty"`
	Image    string `json:"image,omitempty"`
	SiteName string `json:"siteName,omitempty"`
}

var errPreviewScheme = errors.New("linkpreview: unsupported scheme")

// fetchLinkPreview fetches the URL and extracts OpenGraph metadata.
func fetchLinkPreview(rawURL string) (*LinkPreview, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errPreviewScheme
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "onionchat-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := globals.previewClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return &LinkPreview{URL: rawURL}, nil
	}

	return parseOGTags(rawURL, io.LimitReader(resp.Body, linkPreviewMaxBody)), nil
}

// parseOGTags reads HTML from r and extracts OpenGraph meta tags and the
// <title>.
func parseOGTags(rawURL string, r io.Reader) *LinkPreview {
	lp := &LinkPreview{URL: rawURL}
	tokenizer := html.NewTokenizer(r)
	var inTitle bool
	var titleText strings.Builder

	finish := func() *LinkPreview {
		if lp.Title == "" {
			lp.Title = strings.TrimSpace(titleText.String())
		}
		return lp
	}

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// EOF or parse error; keep what we have.
			return finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			switch string(name) {
			case "title":
				inTitle = true
			case "body":
				// Nothing of interest past <head>.
				return finish()
			case "meta":
				if hasAttr {
					applyMeta(tokenizer, lp)
				}
			}

		case html.TextToken:
			if inTitle {
				titleText.Write(tokenizer.Text())
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if string(name) == "title" {
				inTitle = false
			}
		}
	}
}

// applyMeta copies one og: meta tag into the preview.
func applyMeta(tokenizer *html.Tokenizer, lp *LinkPreview) {
	var property, content string
	for {
		key, val, more := tokenizer.TagAttr()
		switch string(key) {
		case "property", "name":
			property = string(val)
		case "content":
			content = string(val)
		}
		if !more {
			break
		}
	}
	switch property {
	case "og:title":
		lp.Title = content
	case "og:description", "description":
		if lp.Desc == "" {
			lp.Desc = content
		}
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	}
}
