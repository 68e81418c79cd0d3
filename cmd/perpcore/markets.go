package main

import (
	"encoding/json"
	"fmt"
	"os"

	"PerpCore/internal/glv"
	"PerpCore/internal/market"
	"PerpCore/internal/store"
)

// marketsFile is the cold-start bootstrap format. It lists the markets
// and vaults to create when no snapshot exists yet.
type marketsFile struct {
	Markets []marketDef `json:"markets"`
	Glvs    []glvDef    `json:"glvs"`
}

type marketDef struct {
	MarketToken string `json:"market_token"`
	IndexToken  string `json:"index_token"`
	LongToken   string `json:"long_token"`
	ShortToken  string `json:"short_token"`
}

type glvDef struct {
	GlvToken   string   `json:"glv_token"`
	LongToken  string   `json:"long_token"`
	ShortToken string   `json:"short_token"`
	Markets    []string `json:"markets"`
}

// bootstrapMarkets seeds an empty store from the markets file. Every
// market gets the default risk config; operators tune factors via the
// file only at genesis, afterwards state comes from snapshots.
func bootstrapMarkets(mem *store.Memory, path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read markets file: %w", err)
	}

	var file marketsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, 0, fmt.Errorf("parse markets file: %w", err)
	}

	for _, def := range file.Markets {
		if def.MarketToken == "" || def.LongToken == "" || def.ShortToken == "" {
			return 0, 0, fmt.Errorf("market %q: missing token fields", def.MarketToken)
		}
		mem.PutMarket(market.New(def.MarketToken, def.IndexToken, def.LongToken, def.ShortToken, market.NewConfig()))
	}

	for _, def := range file.Glvs {
		g := glv.New(def.GlvToken, def.LongToken, def.ShortToken)
		for _, token := range def.Markets {
			m, err := mem.Market(token)
			if err != nil {
				return 0, 0, fmt.Errorf("glv %s references unknown market %s: %w", def.GlvToken, token, err)
			}
			if err := g.AddMarket(m, nil, nil); err != nil {
				return 0, 0, fmt.Errorf("glv %s: add market %s: %w", def.GlvToken, token, err)
			}
		}
		mem.PutGlv(g)
	}

	return len(file.Markets), len(file.Glvs), nil
}
