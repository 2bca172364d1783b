// Incident-report renders markdown post-mortems from recorded incident
// bundles. Point it at a single bundle directory (one containing meta.json)
// or at the incidents parent directory to process every bundle under it.
//
//	incident-report data/incidents/20240601_120000_a1b2c3d4
//	incident-report data/incidents
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/incident"
	"github.com/mercurystream/backend/internal/logging"
)

var log = logrus.WithField("prefix", "incident-report")

func main() {
	godotenv.Load()
	logging.Setup(envDefault("LOG_LEVEL", "info"))

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <incident-dir | incidents-parent-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	if _, err := os.Stat(filepath.Join(path, "meta.json")); err == nil {
		log.Infof("processing single incident: %s", path)
		reportPath, err := processIncident(path)
		if err != nil {
			log.Fatalf("%v", err)
		}
		echoReport(reportPath)
		return
	}

	log.Infof("processing directory: %s", path)
	if err := processAll(path); err != nil {
		log.Fatalf("%v", err)
	}
}

// processIncident writes report.md next to the bundle and logs a short
// summary from its metadata.
func processIncident(dir string) (string, error) {
	reportPath, err := incident.WriteReport(dir)
	if err != nil {
		return "", err
	}
	log.Infof("generated: %s", reportPath)

	meta, _, err := incident.Load(dir)
	if err != nil {
		return "", err
	}
	log.Infof("type of incident: %s", meta.Reason)
	log.Infof("total events: %d", meta.TotalEvents)
	return reportPath, nil
}

// processAll renders a report for every bundle directory under parent,
// skipping entries without a meta.json. Failures on one bundle do not stop
// the rest.
func processAll(parent string) error {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return fmt.Errorf("incidents directory not found: %s", parent)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(parent, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "meta.json")); err == nil {
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no incidents found in %s", parent)
	}
	sort.Strings(dirs)

	log.Infof("found %d incident(s)", len(dirs))
	for _, dir := range dirs {
		log.Infof("processing: %s", filepath.Base(dir))
		if _, err := processIncident(dir); err != nil {
			log.Errorf("%s: %v", filepath.Base(dir), err)
		}
	}
	return nil
}

// echoReport prints the rendered markdown so a single-incident run shows the
// report without another open.
func echoReport(path string) {
	md, err := os.ReadFile(path)
	if err != nil {
		return
	}
	fmt.Println(string(md))
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
