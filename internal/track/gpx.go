package track

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

const (
	gpxNamespace = "http://www.topografix.com/GPX/1/1"
	gpxTime      = "2006-01-02T15:04:05.000Z"
	fileStamp    = "2006-01-02T15-04-05.000"

	// DefaultCreator is written to the gpx creator attribute.
	DefaultCreator = "barotrack"
	trackName      = "Tracking Data"
)

type gpxDoc struct {
	XMLName xml.Name `xml:"gpx"`
	Version string   `xml:"version,attr"`
	Creator string   `xml:"creator,attr"`
	Xmlns   string   `xml:"xmlns,attr"`
	Track   gpxTrack `xml:"trk"`
}

type gpxTrack struct {
	Name    string     `xml:"name"`
	Segment gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

// Coordinates and elevation are kept as text so the formatting stays
// under our control (no exponent notation, fixed elevation decimals).
type gpxPoint struct {
	Lat  string `xml:"lat,attr"`
	Lon  string `xml:"lon,attr"`
	Ele  string `xml:"ele"`
	Time string `xml:"time"`
}

// Point is a decoded track point.
type Point struct {
	Lat  float64
	Lon  float64
	Ele  float64
	Time time.Time
}

// Document is a decoded single-track GPX file.
type Document struct {
	Creator string
	Name    string
	Points  []Point
}

// WriteGPX serializes ms as a GPX 1.1 document with one track and one
// segment, one trkpt per measurement in log order.
func WriteGPX(w io.Writer, creator string, ms []Measurement) error {
	if creator == "" {
		creator = DefaultCreator
	}
	doc := gpxDoc{
		Version: "1.1",
		Creator: creator,
		Xmlns:   gpxNamespace,
		Track: gpxTrack{
			Name:    trackName,
			Segment: gpxSegment{Points: make([]gpxPoint, 0, len(ms))},
		},
	}
	for _, m := range ms {
		doc.Track.Segment.Points = append(doc.Track.Segment.Points, gpxPoint{
			Lat:  strconv.FormatFloat(m.Latitude, 'f', -1, 64),
			Lon:  strconv.FormatFloat(m.Longitude, 'f', -1, 64),
			Ele:  strconv.FormatFloat(m.GPSAltitude, 'f', 1, 64),
			Time: m.Timestamp.UTC().Format(gpxTime),
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode gpx: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ParseGPX decodes a document written by WriteGPX.
func ParseGPX(r io.Reader) (*Document, error) {
	var doc gpxDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode gpx: %w", err)
	}

	out := &Document{
		Creator: doc.Creator,
		Name:    doc.Track.Name,
		Points:  make([]Point, 0, len(doc.Track.Segment.Points)),
	}
	for i, p := range doc.Track.Segment.Points {
		var pt Point
		var err error
		if pt.Lat, err = strconv.ParseFloat(p.Lat, 64); err != nil {
			return nil, fmt.Errorf("trkpt %d lat: %w", i, err)
		}
		if pt.Lon, err = strconv.ParseFloat(p.Lon, 64); err != nil {
			return nil, fmt.Errorf("trkpt %d lon: %w", i, err)
		}
		if pt.Ele, err = strconv.ParseFloat(p.Ele, 64); err != nil {
			return nil, fmt.Errorf("trkpt %d ele: %w", i, err)
		}
		if pt.Time, err = time.Parse(time.RFC3339Nano, p.Time); err != nil {
			return nil, fmt.Errorf("trkpt %d time: %w", i, err)
		}
		out.Points = append(out.Points, pt)
	}
	return out, nil
}

// Exporter writes finished sessions as GPX files below Dir.
type Exporter struct {
	FS      afero.Fs
	Dir     string
	Creator string
}

// NewExporter creates an Exporter on the OS filesystem.
func NewExporter(dir, creator string) *Exporter {
	return &Exporter{FS: afero.NewOsFs(), Dir: dir, Creator: creator}
}

// Export writes ms to <Dir>/Tracking_<startedAt millis>/tracking_data_<now>.gpx
// and returns the file path. An empty ms is a no-op and returns "".
func (e *Exporter) Export(startedAt, now time.Time, ms []Measurement) (string, error) {
	if len(ms) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if err := WriteGPX(&buf, e.Creator, ms); err != nil {
		return "", err
	}

	dir := filepath.Join(e.Dir, fmt.Sprintf("Tracking_%d", startedAt.UnixMilli()))
	if err := e.FS.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("tracking_data_%s.gpx", now.Local().Format(fileStamp)))
	if err := afero.WriteFile(e.FS, path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	log.Printf("[export] wrote %s (%d trackpoints)", path, len(ms))
	return path, nil
}
