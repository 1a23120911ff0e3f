package main

import (
	"context"
	"fmt"

	"github.com/gomlx/go-fillmask/tokenizers/api"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the model family, dimensions and special tokens",
		Flags: modelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			h, err := loadModel()
			if err != nil {
				return err
			}
			model := h.Model()
			config := model.Config
			fields := [][2]string{
				{"family", h.Family().String()},
				{"layout", model.Layout.String()},
				{"tokenizer", fmt.Sprintf("%T", h.Tokenizer())},
				{"layers", fmt.Sprint(config.NumHiddenLayers)},
				{"attention heads", fmt.Sprint(config.NumAttentionHeads)},
				{"hidden size", fmt.Sprint(config.HiddenSize)},
				{"vocab size", fmt.Sprint(config.VocabSize)},
				{"max sequence length", fmt.Sprint(model.MaxSequenceLength())},
				{"parameters", fmt.Sprint(model.NumParams())},
				{"tied decoder", fmt.Sprint(model.TiedDecoder())},
				{"placeholder", h.MaskPlaceholder()},
			}
			tok := h.Tokenizer()
			for special := range api.TokSpecialTokensCount {
				id, err := tok.SpecialTokenID(special)
				if err != nil {
					continue
				}
				token, _ := tok.IDToToken(id)
				fields = append(fields, [2]string{special.String(), fmt.Sprintf("%d %q", id, token)})
			}
			fmt.Print(renderFields(h.String(), fields))
			return nil
		},
	}
}
