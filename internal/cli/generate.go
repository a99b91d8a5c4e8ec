package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
)

var (
	generateCategory string
	generateTargets  []string
	generateImage    string
	generateSession  string
)

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVar(&generateCategory, "category", "", "Change category used to pick grounding examples (api, ui, config, ...)")
	generateCmd.Flags().StringSliceVar(&generateTargets, "target", nil, "Project files the change is expected to touch")
	generateCmd.Flags().StringVar(&generateImage, "image", "", "Screenshot to attach (png, jpeg, webp, gif)")
	generateCmd.Flags().StringVar(&generateSession, "session", "", "Session id for threat tracking")
}

var generateCmd = &cobra.Command{
	Use:   "generate <instruction...>",
	Short: "Ask the model for a proposal",
	Long: "Grounds the instruction in the project, screens it through the input gate,\n" +
		"asks the configured model for a change, screens the answer through the output\n" +
		"gate and stores the parsed result as a PROPOSED proposal.",
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req := pipeline.GenerateRequest{
		SessionID:   generateSession,
		Instruction: strings.Join(args, " "),
		Category:    generateCategory,
		Targets:     generateTargets,
		CreatedBy:   currentUser(),
		Source:      model.SourceChat,
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return errors.New("instruction is empty")
	}
	if generateImage != "" {
		data, err := os.ReadFile(generateImage)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		req.Image = data
	}

	ctx, cancel := signalContext()
	defer cancel()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	fmt.Fprintln(os.Stderr, "Generating proposal...")
	id, err := b.Generate(ctx, req)
	if err != nil {
		return err
	}
	p, err := b.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	printProposal(os.Stdout, p)
	return nil
}
