package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
)

var (
	proposeFile        string
	proposeTitle       string
	proposeDescription string
	proposeChanges     []string
	proposeRisk        string
	proposePriority    string
	proposeSession     string
	proposeSource      string
)

func init() {
	rootCmd.AddCommand(proposeCmd)
	f := proposeCmd.Flags()
	f.StringVarP(&proposeFile, "file", "f", "", "Proposal JSON ({title, description, files: [{path, content, action}]}); - reads stdin")
	f.StringVar(&proposeTitle, "title", "", "Proposal title")
	f.StringVar(&proposeDescription, "description", "", "Proposal description")
	f.StringArrayVar(&proposeChanges, "change", nil, "Changed file as project-path=local-file (repeatable)")
	f.StringVar(&proposeRisk, "risk", "", "Risk level (low, medium, high, critical)")
	f.StringVar(&proposePriority, "priority", "", "Priority (low, medium, high, critical)")
	f.StringVar(&proposeSession, "session", "", "Session id for threat tracking")
	f.StringVar(&proposeSource, "source", string(model.SourceChat), "Origin (chat, system-analysis, bug-fix)")
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a proposal with its files already written",
	Long: "Screens the title and description through the input gate, validates every file\n" +
		"and stores the proposal as PROPOSED. Read from a JSON file with --file, or build\n" +
		"it from --title and repeated --change path=local-file flags.",
	Example: "  changegate propose -f fix.json\n" +
		"  changegate propose --title \"Fix handler\" --change app/main.py=./main.py",
	RunE: runPropose,
}

func runPropose(cmd *cobra.Command, args []string) error {
	req, err := proposeRequest()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	id, err := b.CreateProposal(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// proposeRequest builds the request from --file or the flags.
func proposeRequest() (pipeline.CreateRequest, error) {
	var req pipeline.CreateRequest
	if proposeFile != "" {
		data, err := readInput(proposeFile)
		if err != nil {
			return req, err
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse %s: %w", proposeFile, err)
		}
	} else {
		if proposeTitle == "" || len(proposeChanges) == 0 {
			return req, errors.New("either --file or --title with at least one --change is required")
		}
		req.Title = proposeTitle
		req.Description = proposeDescription
		for _, c := range proposeChanges {
			fc, err := parseChange(c)
			if err != nil {
				return req, err
			}
			req.Files = append(req.Files, fc)
		}
	}
	if proposeRisk != "" {
		req.RiskLevel = model.Level(proposeRisk)
	}
	if proposePriority != "" {
		req.Priority = model.Level(proposePriority)
	}
	if proposeSession != "" {
		req.SessionID = proposeSession
	}
	if req.Source == "" {
		req.Source = model.Source(proposeSource)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = currentUser()
	}
	return req, nil
}

// parseChange reads "path=local-file". The action is left for the
// pipeline to infer from the live tree.
func parseChange(spec string) (model.FileChange, error) {
	path, local, ok := strings.Cut(spec, "=")
	if !ok || path == "" || local == "" {
		return model.FileChange{}, fmt.Errorf("invalid --change %q: want path=local-file", spec)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return model.FileChange{}, fmt.Errorf("read %s: %w", local, err)
	}
	return model.FileChange{Path: path, Content: string(data)}, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
