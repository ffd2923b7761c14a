package scraper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kalambet/klwatch/internal/storage"
)

const (
	resultItemSelector = ".ad-listitem:not(.is-topad):not(.badge-hint-pro-small-srp)"
	detailWaitSelector = "#viewad-cntr-num"
)

// Summary is one result-page entry.
type Summary struct {
	ExternalID   string  `json:"adid"`
	Title        string  `json:"title"`
	Price        string  `json:"price"`
	LocationText string  `json:"location"`
	Thumbnail    string  `json:"image"`
	URL          string  `json:"url"`
	Description  string  `json:"description"`
	CreatedText  string  `json:"created_at"`
	Detail       *Detail `json:"details,omitempty"`

	// PriceText is the untouched price label, e.g. "1.234 € VB".
	PriceText string `json:"-"`
	// Tags holds result badges such as "Versand möglich" or "Nur Abholung".
	Tags []string `json:"-"`
}

// Detail is everything read from a single listing page.
type Detail struct {
	ID          string                `json:"id"`
	URL         string                `json:"url"`
	Title       string                `json:"title"`
	Status      storage.ListingStatus `json:"status"`
	Price       Price                 `json:"price"`
	Views       string                `json:"views"`
	Description string                `json:"description"`
	Images      []string              `json:"images"`
	Categories  []string              `json:"categories"`
	Details     map[string]string     `json:"details"`
	Features    []string              `json:"features"`
	Delivery    string                `json:"delivery"`
	Shipping    storage.Shipping      `json:"shipping"`
	Location    storage.Location      `json:"location"`
	Seller      storage.Seller        `json:"seller"`
	ExtraInfo   map[string]string     `json:"extra_info"`
}

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	newlineRun = regexp.MustCompile(`\n+`)
	zipPrefix  = regexp.MustCompile(`^(\d{5})\s*(.*)$`)
	lineBreak  = regexp.MustCompile(`(?i)<br\s*/?>`)
)

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func newDocument(pageURL, html string) (*goquery.Document, error) {
	if strings.TrimSpace(html) == "" {
		return nil, &ParseError{URL: pageURL, Reason: "empty document"}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &ParseError{URL: pageURL, Reason: err.Error()}
	}
	return doc, nil
}

// ParseResults extracts result summaries from a rendered search page. A page
// without result items is a valid empty page; result items without ad ids
// mean the markup changed and yield a ParseError.
func ParseResults(baseURL, pageURL, html string) ([]Summary, error) {
	doc, err := newDocument(pageURL, html)
	if err != nil {
		return nil, err
	}

	items := doc.Find(resultItemSelector)
	out := make([]Summary, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		article := item.Find("article").First()
		adid, _ := article.Attr("data-adid")
		href, _ := article.Attr("data-href")
		if adid == "" || href == "" {
			return
		}

		priceText := text(article.Find("p.aditem-main--middle--price-shipping--price"))
		s := Summary{
			ExternalID:   adid,
			URL:          absoluteURL(baseURL, href),
			Title:        text(article.Find("h2.text-module-begin a.ellipsis")),
			Price:        cleanPriceText(priceText),
			PriceText:    priceText,
			Description:  text(article.Find("p.aditem-main--middle--description")),
			LocationText: text(article.Find(".aditem-main--top--left")),
			CreatedText:  text(article.Find(".aditem-main--top--right")),
		}
		img := article.Find(".aditem-image img").First()
		if src := img.AttrOr("src", ""); src != "" {
			s.Thumbnail = absoluteURL(baseURL, src)
		} else if src := img.AttrOr("data-imgsrc", ""); src != "" {
			s.Thumbnail = absoluteURL(baseURL, src)
		}
		article.Find(".simpletag").Each(func(_ int, tag *goquery.Selection) {
			if t := text(tag); t != "" {
				s.Tags = append(s.Tags, t)
			}
		})
		out = append(out, s)
	})

	if items.Length() > 0 && len(out) == 0 {
		return nil, &ParseError{
			URL:    pageURL,
			Reason: fmt.Sprintf("%d result items without ad id", items.Length()),
		}
	}
	return out, nil
}

// ParseDetail extracts a listing page. The title element is mandatory.
func ParseDetail(pageURL, html string) (Detail, error) {
	doc, err := newDocument(pageURL, html)
	if err != nil {
		return Detail{}, err
	}

	titleSel := doc.Find("#viewad-title").First()
	if titleSel.Length() == 0 {
		return Detail{}, &ParseError{URL: pageURL, Reason: "listing title not found"}
	}
	rawTitle := text(titleSel)

	d := Detail{
		ID:          text(doc.Find("#viewad-ad-id-box > ul > li:nth-child(2)").First()),
		URL:         pageURL,
		Title:       rawTitle,
		Status:      detailStatus(doc, titleSel, rawTitle),
		Price:       ParsePrice(text(doc.Find("#viewad-price").First())),
		Views:       text(doc.Find("#viewad-cntr-num").First()),
		Description: descriptionText(doc.Find("#viewad-description-text").First()),
		Images:      imageSources(doc),
		Details:     map[string]string{},
		ExtraInfo:   map[string]string{},
	}
	if i := strings.LastIndex(rawTitle, " • "); i >= 0 {
		d.Title = strings.TrimSpace(rawTitle[i+len(" • "):])
	}
	if d.Views == "" {
		d.Views = "0"
	}

	doc.Find(".breadcrump-link").Each(func(_ int, s *goquery.Selection) {
		if c := text(s); c != "" {
			d.Categories = append(d.Categories, c)
		}
	})

	doc.Find("#viewad-details .addetailslist--detail").Each(func(_ int, s *goquery.Selection) {
		value := text(s.Find(".addetailslist--detail--value"))
		label := strings.TrimSuffix(text(s.Contents().Not(".addetailslist--detail--value")), ":")
		if label != "" {
			d.Details[label] = value
		}
	})

	doc.Find("#viewad-configuration .checktag").Each(func(_ int, s *goquery.Selection) {
		if f := text(s); f != "" {
			d.Features = append(d.Features, f)
		}
	})

	d.Delivery = text(doc.Find(".boxedarticle--details--shipping").First())
	d.Shipping = classifyShipping(d.Delivery)
	d.Location = parseLocation(doc)
	d.Seller = parseSeller(doc)

	doc.Find("#viewad-extra-info > div").Each(func(i int, s *goquery.Selection) {
		v := text(s)
		if v == "" {
			return
		}
		if i == 0 {
			d.ExtraInfo["created_at"] = v
			return
		}
		d.ExtraInfo[fmt.Sprintf("info_%d", i)] = v
	})
	if d.Views != "" {
		d.ExtraInfo["views"] = d.Views
	}
	return d, nil
}

func detailStatus(doc *goquery.Document, title *goquery.Selection, rawTitle string) storage.ListingStatus {
	status := storage.ListingActive
	switch {
	case strings.Contains(rawTitle, "Verkauft"):
		status = storage.ListingSold
	case strings.Contains(rawTitle, "Reserviert •"):
		status = storage.ListingReserved
	case strings.Contains(rawTitle, "Gelöscht •"):
		status = storage.ListingDeleted
	}
	if title.HasClass("is-sold") || doc.Find(".badge-sold").Length() > 0 {
		status = storage.ListingSold
	}
	return status
}

func descriptionText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	html, err := s.Html()
	if err != nil {
		return text(s)
	}
	// <br> is the only line structure in listing descriptions.
	html = lineBreak.ReplaceAllString(html, "\n")
	frag, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return text(s)
	}
	raw := frag.Text()
	raw = spaceRun.ReplaceAllString(raw, " ")
	lines := strings.Split(raw, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(newlineRun.ReplaceAllString(strings.Join(lines, "\n"), "\n"))
}

func imageSources(doc *goquery.Document) []string {
	seen := map[string]bool{}
	var out []string
	doc.Find("#viewad-image, .galleryimage-element img").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if src == "" {
			src = s.AttrOr("data-imgsrc", "")
		}
		if src == "" || seen[src] {
			return
		}
		seen[src] = true
		out = append(out, src)
	})
	return out
}

func classifyShipping(delivery string) storage.Shipping {
	switch {
	case delivery == "":
		return storage.ShippingUnknown
	case strings.Contains(delivery, "Nur Abholung"):
		return storage.ShippingPickup
	case strings.Contains(delivery, "Versand") && strings.Contains(delivery, "Abholung"):
		return storage.ShippingBoth
	case strings.Contains(delivery, "Versand"):
		return storage.ShippingShip
	}
	return storage.ShippingUnknown
}

// shippingFromTags classifies result-page badges the same way as a detail
// page's delivery box.
func shippingFromTags(tags []string) (string, storage.Shipping) {
	for _, t := range tags {
		if strings.Contains(t, "Versand") || strings.Contains(t, "Abholung") {
			return t, classifyShipping(t)
		}
	}
	return "", storage.ShippingUnknown
}

func parseLocation(doc *goquery.Document) storage.Location {
	return locationFromText(text(doc.Find("#viewad-locality").First()))
}

func parseSeller(doc *goquery.Document) storage.Seller {
	contact := doc.Find("#viewad-contact").First()
	s := storage.Seller{
		Name: text(contact.Find(".userprofile-vip a, .userprofile-vip").First()),
	}
	contact.Find(".userprofile-vip-details-text").Each(func(_ int, d *goquery.Selection) {
		t := text(d)
		if strings.Contains(t, "Aktiv seit") {
			s.Since = strings.TrimSpace(strings.TrimPrefix(t, "Aktiv seit"))
		}
	})
	all := text(contact)
	switch {
	case strings.Contains(all, "Gewerblicher Nutzer"), strings.Contains(all, "Gewerblicher Anbieter"):
		s.Type = "business"
	case strings.Contains(all, "Privater Nutzer"), strings.Contains(all, "Privater Anbieter"):
		s.Type = "private"
	}
	contact.Find(".userbadge-tag, .userbadges-profile-rating").Each(func(_ int, b *goquery.Selection) {
		if t := text(b); t != "" {
			s.Badges = append(s.Badges, t)
		}
	})
	return s
}
