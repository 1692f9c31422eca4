package siteaudit

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// Classify derives keyword and markup signals from a page body.
func Classify(body []byte) Result {
	lower := strings.ToLower(string(body))

	res := Result{
		HTMLBytes:  len(body),
		HasForm:    strings.Contains(lower, "<form"),
		HasTelLink: strings.Contains(lower, "tel:"),
	}
	res.MailtoOnly = strings.Contains(lower, "mailto:") && !res.HasForm

	detected := []string{}
	for _, kw := range BookingKeywords {
		if strings.Contains(lower, kw) {
			res.HasBooking = true
			detected = append(detected, kw)
		}
	}
	for _, kw := range ChatKeywords {
		if strings.Contains(lower, kw) {
			res.HasChat = true
			detected = append(detected, kw)
		}
	}
	res.Evidence.DetectedKeywords = detected
	if title, ok := pageTitle(body); ok {
		res.Evidence.Title = &title
	}
	return res
}

// pageTitle returns the text of the first <title> element.
func pageTitle(body []byte) (string, bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			if inTitle {
				return strings.TrimSpace(b.String()), true
			}
			return "", false
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				b.Write(z.Text())
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if inTitle && string(name) == "title" {
				return strings.TrimSpace(b.String()), true
			}
		}
	}
}
