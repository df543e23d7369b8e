package fuzzysearch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MatchType controls how an uploaded image is matched.
type MatchType int

const (
	// Close looks at exact items first and widens the search if nothing matched.
	Close MatchType = iota
	// Exact only looks at exact items. Faster, but may leave out results.
	Exact
	// Force always searches the expanded set.
	Force
)

func (m MatchType) String() string {
	switch m {
	case Exact:
		return "exact"
	case Force:
		return "force"
	default:
		return "close"
	}
}

// ParseMatchType maps the query value used by the API back to a MatchType.
// Unknown or empty values fall back to Close.
func ParseMatchType(s string) MatchType {
	switch s {
	case "exact":
		return Exact
	case "force":
		return Force
	default:
		return Close
	}
}

// Rating is the content rating of a submission.
type Rating string

const (
	RatingGeneral Rating = "general"
	RatingMature  Rating = "mature"
	RatingAdult   Rating = "adult"
)

// Site identifies where a result was found.
type Site string

const (
	SiteFurAffinity Site = "FurAffinity"
	SiteE621        Site = "e621"
	SiteTwitter     Site = "Twitter"
	SiteWeasyl      Site = "Weasyl"
)

// FurAffinityFile is the site information attached to FurAffinity results.
type FurAffinityFile struct {
	// FileID is the ID seen in the image URL, not the submission ID.
	FileID int32 `json:"file_id"`
}

// E621File is the site information attached to e621 results.
type E621File struct {
	Sources []string `json:"sources"`
}

// SiteInfo carries the site a result came from and any site-specific details.
// At most one of FurAffinity and E621 is set, matching Site.
type SiteInfo struct {
	Site        Site
	FurAffinity *FurAffinityFile
	E621        *E621File
}

// File is a single candidate match.
type File struct {
	SiteID   int64
	URL      string
	Filename string
	Artists  []string
	Rating   *Rating
	// Hash of the matched image. Only returned by some endpoints.
	Hash *int64
	// Distance to the searched hash. Only returned by some endpoints.
	Distance *uint64
	SiteInfo *SiteInfo
	// SearchedHash is the submitted hash that produced this result.
	SearchedHash *int64
}

// SiteName returns the human readable site name, or "" when the
// response carried no site information.
func (f File) SiteName() string {
	if f.SiteInfo == nil {
		return ""
	}
	return string(f.SiteInfo.Site)
}

// SourceURL returns a link to the submission page on the originating site.
func (f File) SourceURL() string {
	if f.SiteInfo == nil {
		return ""
	}
	switch f.SiteInfo.Site {
	case SiteTwitter:
		if len(f.Artists) == 0 {
			return ""
		}
		return fmt.Sprintf("https://twitter.com/%s/status/%d", f.Artists[0], f.SiteID)
	case SiteFurAffinity:
		return fmt.Sprintf("https://www.furaffinity.net/view/%d/", f.SiteID)
	case SiteE621:
		return fmt.Sprintf("https://e621.net/posts/%d", f.SiteID)
	case SiteWeasyl:
		return fmt.Sprintf("https://www.weasyl.com/view/%d/", f.SiteID)
	default:
		return ""
	}
}

// Matches is the result of an image upload: the hash the service computed
// for the upload and the candidates found for it.
type Matches struct {
	Hash    int64  `json:"hash"`
	Matches []File `json:"matches"`
}

// HashBatch groups the results for one submitted hash.
type HashBatch struct {
	Hash    int64  `json:"hash"`
	Matches []File `json:"matches"`
}

var validate = validator.New()

type wireFile struct {
	SiteID       *int64          `json:"site_id" validate:"required"`
	URL          *string         `json:"url" validate:"required"`
	Filename     *string         `json:"filename" validate:"required"`
	Artists      []string        `json:"artists"`
	Rating       *Rating         `json:"rating" validate:"omitempty,oneof=general mature adult"`
	Hash         *int64          `json:"hash"`
	Distance     *uint64         `json:"distance"`
	Site         *Site           `json:"site,omitempty" validate:"omitempty,oneof=FurAffinity e621 Twitter Weasyl"`
	SiteInfo     json.RawMessage `json:"site_info,omitempty"`
	SearchedHash *int64          `json:"searched_hash"`
}

type wireFurAffinity struct {
	FileID *int32 `json:"file_id" validate:"required"`
}

type wireMatches struct {
	Hash    *int64     `json:"hash" validate:"required"`
	Matches []wireFile `json:"matches" validate:"required"`
}

func (w wireFile) toFile() (File, error) {
	if err := validate.Struct(w); err != nil {
		return File{}, err
	}
	f := File{
		SiteID:       *w.SiteID,
		URL:          *w.URL,
		Filename:     *w.Filename,
		Artists:      w.Artists,
		Rating:       w.Rating,
		Hash:         w.Hash,
		Distance:     w.Distance,
		SearchedHash: w.SearchedHash,
	}
	if w.Site == nil {
		return f, nil
	}
	info := &SiteInfo{Site: *w.Site}
	switch info.Site {
	case SiteFurAffinity:
		var fa wireFurAffinity
		if err := decodeSiteInfo(w.SiteInfo, &fa); err != nil {
			return File{}, fmt.Errorf("site_info for %s: %w", info.Site, err)
		}
		if err := validate.Struct(fa); err != nil {
			return File{}, fmt.Errorf("site_info for %s: %w", info.Site, err)
		}
		info.FurAffinity = &FurAffinityFile{FileID: *fa.FileID}
	case SiteE621:
		var e E621File
		if err := decodeSiteInfo(w.SiteInfo, &e); err != nil {
			return File{}, fmt.Errorf("site_info for %s: %w", info.Site, err)
		}
		info.E621 = &e
	}
	f.SiteInfo = info
	return f, nil
}

func decodeSiteInfo(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("missing")
	}
	return json.Unmarshal(raw, dst)
}

// MarshalJSON writes the same shape the API returns, so results can be
// relayed or cached without loss.
func (f File) MarshalJSON() ([]byte, error) {
	w := wireFile{
		SiteID:       &f.SiteID,
		URL:          &f.URL,
		Filename:     &f.Filename,
		Artists:      f.Artists,
		Rating:       f.Rating,
		Hash:         f.Hash,
		Distance:     f.Distance,
		SearchedHash: f.SearchedHash,
	}
	if f.SiteInfo != nil {
		site := f.SiteInfo.Site
		w.Site = &site
		var err error
		switch {
		case f.SiteInfo.FurAffinity != nil:
			w.SiteInfo, err = json.Marshal(f.SiteInfo.FurAffinity)
		case f.SiteInfo.E621 != nil:
			w.SiteInfo, err = json.Marshal(f.SiteInfo.E621)
		}
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the API shape and enforces the same required
// fields as responses read by the client.
func (f *File) UnmarshalJSON(data []byte) error {
	var w wireFile
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := w.toFile()
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

func decodeFiles(body []byte) ([]File, error) {
	if !isJSONArray(body) {
		return nil, errors.New("expected a JSON array of results")
	}
	var wire []wireFile
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	files := make([]File, 0, len(wire))
	for i, w := range wire {
		f, err := w.toFile()
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		files = append(files, f)
	}
	return files, nil
}

func decodeMatches(body []byte) (*Matches, error) {
	var wire wireMatches
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	if err := validate.Struct(wire); err != nil {
		return nil, err
	}
	files := make([]File, 0, len(wire.Matches))
	for i, w := range wire.Matches {
		f, err := w.toFile()
		if err != nil {
			return nil, fmt.Errorf("match %d: %w", i, err)
		}
		files = append(files, f)
	}
	return &Matches{Hash: *wire.Hash, Matches: files}, nil
}

func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}
