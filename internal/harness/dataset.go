package harness

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Utterance is one row of a manifest: a reference transcript paired with
// the 16-bit PCM samples to feed through the pipeline.
type Utterance struct {
	ID         string  `json:"id"`
	WavPath    string  `json:"wav"`
	Text       string  `json:"text"`
	SampleRate int     `json:"sample_rate,omitempty"`
	PCM        []int16 `json:"-"`
}

// LoadManifest reads path as a manifest.jsonl (one Utterance per line). If
// path is a directory instead, BuildManifest scans it for wav/trans.txt
// pairs and synthesizes the same structure.
func LoadManifest(path string) ([]Utterance, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return BuildManifest(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []Utterance
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row Utterance
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parsing manifest line: %w", err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ID != rows[j].ID {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].WavPath < rows[j].WavPath
	})
	return rows, nil
}

// BuildManifest scans root for "<id>.wav" files paired with a sibling
// "<id>.trans.txt" reference, the LibriSpeech-style dataset layout. Rows
// are sorted by id then wav path so repeated runs select the same smoke
// sample.
func BuildManifest(root string) ([]Utterance, error) {
	var rows []Utterance
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".wav") {
			return nil
		}
		id := strings.TrimSuffix(filepath.Base(path), ".wav")
		transPath := filepath.Join(filepath.Dir(path), id+".trans.txt")
		text, err := os.ReadFile(transPath)
		if err != nil {
			return fmt.Errorf("reading reference text for %s: %w", id, err)
		}
		rows = append(rows, Utterance{
			ID:      id,
			WavPath: path,
			Text:    strings.TrimSpace(string(text)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ID != rows[j].ID {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].WavPath < rows[j].WavPath
	})
	return rows, nil
}

// WriteManifest persists rows as manifest.jsonl, the companion to
// LoadManifest/BuildManifest.
func WriteManifest(path string, rows []Utterance) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

// wavHeader holds the fields read from a canonical PCM WAV file:
// RIFF/WAVE container, a "fmt " chunk, then "data".
type wavHeader struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
}

// ReadWav parses a canonical PCM WAV file into signed 16-bit samples.
// Only mono 16-bit streams are supported, which is all this harness ever
// consumes.
func ReadWav(path string) ([]int16, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return decodeWav(data)
}

func decodeWav(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}
	var hdr wavHeader
	var pcm []byte
	r := bytes.NewReader(data[12:])
	for {
		var chunkID [4]byte
		var chunkSize uint32
		if err := binary.Read(r, binary.LittleEndian, &chunkID); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, 0, fmt.Errorf("truncated chunk header: %w", err)
		}
		body := make([]byte, chunkSize)
		if _, err := r.Read(body); err != nil {
			return nil, 0, fmt.Errorf("truncated chunk body: %w", err)
		}
		switch string(chunkID[:]) {
		case "fmt ":
			if len(body) < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short")
			}
			hdr.NumChannels = binary.LittleEndian.Uint16(body[2:4])
			hdr.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			hdr.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
		case "data":
			pcm = body
		}
		if chunkSize%2 == 1 {
			r.Seek(1, 1)
		}
	}
	if hdr.BitsPerSample != 16 || hdr.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported wav format: %d channels, %d bits", hdr.NumChannels, hdr.BitsPerSample)
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return samples, int(hdr.SampleRate), nil
}

// LoadPCM populates u.PCM/u.SampleRate from u.WavPath.
func (u *Utterance) LoadPCM() error {
	samples, rate, err := ReadWav(u.WavPath)
	if err != nil {
		return fmt.Errorf("loading wav for %s: %w", u.ID, err)
	}
	u.PCM = samples
	u.SampleRate = rate
	return nil
}
