package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/syncagent"
	"github.com/spf13/cobra"
)

var (
	importServer      string
	importSession     string
	importToken       string
	importType        string
	importMaxAttempts int
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load a GeoJSON FeatureCollection into a session as draft overlays",
	Long: `Create one draft overlay per feature of a GeoJSON FeatureCollection.

The feature properties "type", "name" and "code" fill the overlay fields of
the same name; the remaining properties map onto overlay properties such as
hazard_type, severity or capacity. Features without a "type" use --type.
The ids of the created overlays are printed in feature order.

Examples:
  fieldsync import shelters.geojson --session 6f1c... --token $TOKEN
  fieldsync import hazards.geojson --session 6f1c... --type hazard`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&importServer, "server", "http://localhost:8080", "sync server base URL")
	importCmd.Flags().StringVar(&importSession, "session", "", "session id (required)")
	importCmd.Flags().StringVar(&importToken, "token", "", "bearer token (default $FIELDSYNC_TOKEN)")
	importCmd.Flags().StringVar(&importType, "type", string(models.OverlayPointOfInterest), "overlay type for features without one")
	importCmd.Flags().IntVar(&importMaxAttempts, "max-attempts", 3, "requests per overlay before giving up")
	_ = importCmd.MarkFlagRequired("session")
}

func runImport(cmd *cobra.Command, args []string) error {
	sessionID, err := uuid.Parse(importSession)
	if err != nil {
		return fmt.Errorf("invalid --session: %w", err)
	}
	token := importToken
	if token == "" {
		token = os.Getenv("FIELDSYNC_TOKEN")
	}
	if token == "" {
		return errors.New("a token is required (--token or FIELDSYNC_TOKEN)")
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	collection, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := syncagent.New(syncagent.NewHTTPClient(importServer, token, nil), sessionID, syncagent.Options{
		MaxAttempts: importMaxAttempts,
		Logger:      cliLogger(cmd),
	})
	keys := make([]string, 0, len(collection.Features))
	for i, feature := range collection.Features {
		draft, err := draftFromFeature(feature, models.OverlayType(importType))
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		keys = append(keys, agent.OptimisticCreate(draft))
	}

	report, err := agent.Flush(ctx)
	if err != nil {
		return err
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, key := range keys {
		if id, ok := agent.ResolveID(key); ok {
			fmt.Fprintln(out, id)
		}
	}
	for _, op := range agent.Failed() {
		fmt.Fprintf(errOut, "failed %q: %v\n", op.Draft.Name, op.LastError)
	}
	fmt.Fprintf(errOut, "imported %d of %d features\n", report.Confirmed, len(collection.Features))
	if report.Failed > 0 {
		return fmt.Errorf("%d features failed to import", report.Failed)
	}
	return nil
}

func draftFromFeature(feature *geojson.Feature, fallback models.OverlayType) (syncagent.Draft, error) {
	if feature.Geometry == nil {
		return syncagent.Draft{}, errors.New("feature has no geometry")
	}

	var props models.OverlayProperties
	raw, err := json.Marshal(feature.Properties)
	if err != nil {
		return syncagent.Draft{}, err
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return syncagent.Draft{}, fmt.Errorf("invalid properties: %w", err)
	}

	return syncagent.Draft{
		Type:       models.OverlayType(feature.Properties.MustString("type", string(fallback))),
		Code:       feature.Properties.MustString("code", ""),
		Name:       feature.Properties.MustString("name", ""),
		Geometry:   geojson.NewGeometry(feature.Geometry),
		Properties: props,
	}, nil
}
