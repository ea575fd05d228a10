package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/centralseq/coordinator"
	"github.com/petal-labs/centralseq/identity"
)

const defaultCommandTimeout = 30 * time.Second

func addOperationFlags(cmd *cobra.Command) {
	addConfigFlags(cmd)
	cmd.Flags().Duration("timeout", defaultCommandTimeout, "Operation timeout")
	cmd.Flags().String("format", "text", "Output format: json | text")
}

// NewGenerateCmd creates the "generate" subcommand.
func NewGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <elementType> <elementId>",
		Short: "Assign the next sequence number to an element",
		Args:  cobra.ExactArgs(2),
		RunE:  runGenerate,
	}
	addOperationFlags(cmd)
	cmd.Flags().StringP("comment", "c", "", "Annotation stored with the record")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	key, err := parseKeyArgs(args[0], args[1])
	if err != nil {
		return err
	}
	comment, _ := cmd.Flags().GetString("comment")

	rt, err := openRuntime(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel, timeout := operationContext(cmd)
	defer cancel()
	result, err := rt.coordinator.HandleGenerate(ctx, coordinator.GenerateRequest{
		ElementType: key.ElementType,
		ElementID:   key.ElementID,
		Comment:     comment,
	})
	if err != nil {
		return operationExitError("generate", timeout, err)
	}
	text := fmt.Sprintf("%s sequence=%d", key, result.SequenceNumber)
	return writeResult(cmd, result, text, result.Sync)
}

// NewReorderCmd creates the "reorder" subcommand.
func NewReorderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reorder <elementType> <elementId>=<sequence>...",
		Short: "Assign explicit sequence numbers to elements of one type atomically",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runReorder,
	}
	addOperationFlags(cmd)
	cmd.Flags().StringP("comment", "c", "", "Annotation stored with every record of the batch")
	return cmd
}

func runReorder(cmd *cobra.Command, args []string) error {
	elementType := args[0]
	elements, err := parseReorderPairs(args[1:])
	if err != nil {
		return err
	}
	comment, _ := cmd.Flags().GetString("comment")

	rt, err := openRuntime(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel, timeout := operationContext(cmd)
	defer cancel()
	result, err := rt.coordinator.HandleReorder(ctx, coordinator.ReorderRequest{
		ElementType: elementType,
		Elements:    elements,
		Comment:     comment,
	})
	if err != nil {
		return operationExitError("reorder", timeout, err)
	}

	var sb strings.Builder
	for i, el := range result.Elements {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s sequence=%d", identity.New(elementType, el.ElementID), el.NewSequence)
	}
	return writeResult(cmd, result, sb.String(), result.Sync)
}

// parseReorderPairs parses "<elementId>=<sequence>" arguments.
func parseReorderPairs(pairs []string) ([]coordinator.ReorderElement, error) {
	elements := make([]coordinator.ReorderElement, 0, len(pairs))
	for _, pair := range pairs {
		idText, seqText, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, exitError(exitInputParse, "invalid reorder entry %q (want <elementId>=<sequence>)", pair)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idText), 10, 64)
		if err != nil {
			return nil, exitError(exitInputParse, "invalid element id in %q: %v", pair, err)
		}
		seq, err := strconv.ParseInt(strings.TrimSpace(seqText), 10, 64)
		if err != nil {
			return nil, exitError(exitInputParse, "invalid sequence in %q: %v", pair, err)
		}
		elements = append(elements, coordinator.ReorderElement{ElementID: id, NewSequence: seq})
	}
	return elements, nil
}

// NewCreateVersionCmd creates the "create-version" subcommand.
func NewCreateVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "create-version <elementType> <elementId>",
		Aliases: []string{"version"},
		Short:   "Create a new version of an element",
		Args:    cobra.ExactArgs(2),
		RunE:    runCreateVersion,
	}
	addOperationFlags(cmd)
	cmd.Flags().StringP("comment", "c", "", "Annotation stored with the version")
	cmd.Flags().StringP("data", "d", "", "Version data as inline JSON")
	cmd.Flags().StringP("data-file", "f", "", "Version data from a JSON file")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
	return cmd
}

func runCreateVersion(cmd *cobra.Command, args []string) error {
	key, err := parseKeyArgs(args[0], args[1])
	if err != nil {
		return err
	}
	comment, _ := cmd.Flags().GetString("comment")
	data, err := readVersionData(cmd)
	if err != nil {
		return err
	}

	rt, err := openRuntime(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel, timeout := operationContext(cmd)
	defer cancel()
	result, err := rt.coordinator.HandleCreateVersion(ctx, coordinator.VersionRequest{
		ElementType:    key.ElementType,
		ElementID:      key.ElementID,
		NewVersionData: data,
		Comment:        comment,
	})
	if err != nil {
		return operationExitError("create version", timeout, err)
	}
	text := fmt.Sprintf("%s version=%d", key, result.VersionNumber)
	return writeResult(cmd, result, text, result.Sync)
}

func readVersionData(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("data-file")

	var raw []byte
	switch {
	case file != "":
		// #nosec G304 -- path supplied by the operator on the command line.
		data, err := os.ReadFile(file)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, exitError(exitFileNotFound, "version data file not found: %s", file)
			}
			return nil, exitError(exitRuntime, "reading version data: %v", err)
		}
		raw = data
	case inline != "":
		raw = []byte(inline)
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, exitError(exitInputParse, "version data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// NewShowCmd creates the "show" subcommand.
func NewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <elementType> <elementId> | show <elementType>:<elementId>",
		Short: "Print the stored record of an element",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runShow,
	}
	addOperationFlags(cmd)
	cmd.Flags().Bool("versions", false, "Print the version history instead of the record")
	return cmd
}

func runShow(cmd *cobra.Command, args []string) error {
	key, err := keyFromArgs(args)
	if err != nil {
		return err
	}
	showVersions, _ := cmd.Flags().GetBool("versions")

	rt, err := openRuntime(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel, timeout := operationContext(cmd)
	defer cancel()

	if showVersions {
		versions, err := rt.coordinator.Versions(ctx, key)
		if err != nil {
			return operationExitError("show versions", timeout, err)
		}
		var sb strings.Builder
		for i, v := range versions {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "v%d %s %s %s", v.VersionNumber, v.CreatedAt.UTC().Format(time.RFC3339), v.Comment, string(v.Data))
		}
		return writeOutput(cmd, versions, sb.String())
	}

	rec, found, err := rt.coordinator.Lookup(ctx, key)
	if err != nil {
		return operationExitError("show", timeout, err)
	}
	if !found {
		return exitError(exitNotFound, "no record for %s", key)
	}
	text := fmt.Sprintf("%s sequence=%d version=%d comment=%q updated=%s",
		key, rec.SequenceNumber, rec.VersionNumber, rec.Comment, rec.UpdatedAt.UTC().Format(time.RFC3339))
	return writeOutput(cmd, rec, text)
}

// NewResyncCmd creates the "resync" subcommand.
func NewResyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Re-mirror stored records into the secondary index",
		Args:  cobra.NoArgs,
		RunE:  runResync,
	}
	addOperationFlags(cmd)
	cmd.Flags().StringP("element-type", "t", "", "Limit the run to one element type")
	return cmd
}

func runResync(cmd *cobra.Command, _ []string) error {
	elementType, _ := cmd.Flags().GetString("element-type")

	rt, err := openRuntime(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel, timeout := operationContext(cmd)
	defer cancel()
	result, err := rt.coordinator.Resync(ctx, elementType)
	if err != nil {
		return operationExitError("resync", timeout, err)
	}
	text := fmt.Sprintf("run %s: %d record(s), %d synced", result.RunID, result.Records, result.Synced)
	return writeResult(cmd, result, text, result.Sync)
}

// keyFromArgs accepts either "<elementType> <elementId>" or the canonical
// "<elementType>:<elementId>" form printed by the other commands.
func keyFromArgs(args []string) (identity.Key, error) {
	if len(args) == 2 {
		return parseKeyArgs(args[0], args[1])
	}
	key, err := identity.Parse(args[0])
	if err != nil {
		return identity.Key{}, exitError(exitInputParse, "%v", err)
	}
	return key, nil
}

func parseKeyArgs(elementType, elementID string) (identity.Key, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(elementID), 10, 64)
	if err != nil {
		return identity.Key{}, exitError(exitInputParse, "invalid element id %q: %v", elementID, err)
	}
	key := identity.New(elementType, id)
	if err := key.Validate(); err != nil {
		return identity.Key{}, exitError(exitValidation, "%v", err)
	}
	return key, nil
}

func operationContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

// writeOutput prints v in the selected format.
func writeOutput(cmd *cobra.Command, v any, text string) error {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		return writeJSONOutput(cmd.OutOrStdout(), v)
	case "", "text":
		if text != "" {
			fmt.Fprintln(cmd.OutOrStdout(), text)
		}
		return nil
	default:
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}
}

// writeResult prints a committed result. A degraded index sync still prints
// the result and then exits with exitDegraded.
func writeResult(cmd *cobra.Command, v any, text string, sync coordinator.SyncStatus) error {
	if err := writeOutput(cmd, v, text); err != nil {
		return err
	}
	if sync.Degraded {
		return exitError(exitDegraded, "committed, but index sync failed after %d attempt(s): %s", sync.Attempts, sync.Error)
	}
	return nil
}
