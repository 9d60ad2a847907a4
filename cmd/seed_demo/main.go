// Command seed_demo writes a self-contained demo workspace: a config.ini,
// a layout file with one template, a SQLite value database and a handful
// of screenshots, including one without a value row and one that matches
// no template.
//
//	go run ./cmd/seed_demo -dir demo
//	mdetruth review --config demo/config.ini
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"mdetruth/pkg/annotate"
	"mdetruth/pkg/layout"
)

var panelFields = layout.Positions{
	"volts": {X1: 40, Y1: 60, X2: 260, Y2: 120},
	"amps":  {X1: 40, Y1: 160, X2: 260, Y2: 220},
	"hz":    {X1: 340, Y1: 60, X2: 560, Y2: 120},
}

func main() {
	dir := flag.String("dir", "demo", "output directory")
	count := flag.Int("n", 5, "number of matching screenshots")
	flag.Parse()

	for _, d := range []string{"config/templates", "screens"} {
		if err := os.MkdirAll(filepath.Join(*dir, d), 0o755); err != nil {
			log.Fatalf("mkdir: %v", err)
		}
	}

	tpl := panel(nil)
	if err := imaging.Save(tpl, filepath.Join(*dir, "config", "templates", "1.png")); err != nil {
		log.Fatalf("save template: %v", err)
	}
	writeFile(filepath.Join(*dir, "config", "mde_config.json"), layoutJSON())

	dbPath := filepath.Join(*dir, "values.db")
	_ = os.Remove(dbPath)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	if err := db.Exec(`CREATE TABLE readings (ts TEXT PRIMARY KEY, volts REAL, amps REAL, hz INTEGER, note TEXT)`).Error; err != nil {
		log.Fatalf("create table: %v", err)
	}

	r := rand.New(rand.NewSource(1))
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < *count; i++ {
		ts := start.Add(time.Duration(i) * time.Minute).Format("20060102150405")
		volts := 220 + r.Float64()*10
		amps := r.Float64() * 5
		if err := db.Exec(`INSERT INTO readings (ts, volts, amps, hz, note) VALUES (?, ?, ?, ?, NULL)`,
			ts, round1(volts), round1(amps), 50).Error; err != nil {
			log.Fatalf("insert: %v", err)
		}
		img := panel(map[string]string{
			"volts": fmt.Sprintf("%.1f", volts),
			"amps":  fmt.Sprintf("%.1f", amps),
			"hz":    "50",
		})
		save(img, filepath.Join(*dir, "screens", "panel_"+ts+".png"))
	}

	// a screenshot with no value row
	save(panel(nil), filepath.Join(*dir, "screens", "panel_19990101000000.png"))
	// a screenshot that matches no template
	noise := imaging.New(640, 360, color.NRGBA{0, 0, 0, 255})
	for y := 0; y < 360; y += 10 {
		for x := 0; x < 640; x += 10 {
			v := uint8(r.Intn(256))
			noise = imaging.Paste(noise, imaging.New(10, 10, color.NRGBA{v, v, v, 255}), image.Pt(x, y))
		}
	}
	save(noise, filepath.Join(*dir, "screens", "other_"+start.Format("20060102150405")+".png"))

	writeFile(filepath.Join(*dir, "config.ini"), strings.Join([]string{
		"[Paths]",
		"configFiles_dir = " + filepath.Join(*dir, "config"),
		"mde_config_file_name = mde_config.json",
		"templates_dir_name = templates",
		"img_dir = " + filepath.Join(*dir, "screens"),
		"db_dir = " + dbPath,
		"",
		"[Parametrs]",
		"labeled_imgs = 1",
		"",
	}, "\n"))
	log.Printf("demo workspace written to %s", *dir)
}

// panel draws a dark display with light boxes where the fields are. The
// box contents differ per screenshot but the layout stays the same.
func panel(values map[string]string) *image.NRGBA {
	img := imaging.New(640, 360, color.NRGBA{25, 30, 35, 255})
	for _, name := range panelFields.Names() {
		r := panelFields[name].Bounds()
		img = imaging.Paste(img, imaging.New(r.Dx(), r.Dy(), color.NRGBA{200, 210, 200, 255}), r.Min)
	}
	if values == nil {
		return img
	}
	return annotate.Annotator{}.Annotate(img, panelFields, values)
}

func layoutJSON() string {
	var b strings.Builder
	b.WriteString(`{"images": {"1": {"template": "1.png", "parameters": {`)
	for i, name := range panelFields.Names() {
		r := panelFields[name]
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `"%d": {"name": %q, "position": {"x1": %d, "y1": %d, "x2": %d, "y2": %d}}`,
			i, strings.ToUpper(name[:1])+name[1:], r.X1, r.Y1, r.X2, r.Y2)
	}
	b.WriteString("}}}}\n")
	return b.String()
}

func round1(f float64) float64 { return float64(int(f*10+0.5)) / 10 }

func save(img image.Image, path string) {
	if err := imaging.Save(img, path); err != nil {
		log.Fatalf("save %s: %v", path, err)
	}
}

func writeFile(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		log.Fatalf("write %s: %v", path, err)
	}
}
