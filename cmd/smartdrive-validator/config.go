package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/node"
	"github.com/tos-network/smartdrive/params"
)

// tomlSettings mirrors the teacher's cmd/gtos config loader: field names
// are matched case-insensitively and with underscores stripped, and an
// unrecognized key fails the decode with an error naming the field.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return strings.ReplaceAll(strings.ToLower(key), "_", "")
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return lowerSnake(field)
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(field[0])) {
			link = fmt.Sprintf(", see https://github.com/tos-network/smartdrive for the valid %s fields", rt.String())
		}
		return fmt.Errorf("field %q is not defined in %s%s", field, rt.String(), link)
	},
}

func lowerSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// tomlConfig is the on-disk shape of --config; every field is optional
// and, when present, overridden by the matching explicit flag.
type tomlConfig struct {
	Key                string
	OracleURL          string
	DatabasePath       string
	Port               int
	APIPort            int
	NetUID             int
	Testnet            bool
	TruthfulStake      int64
	BlockInterval      time.Duration
	ValidationInterval time.Duration
	MinerRPCTimeout    time.Duration
	InactivityTimeout  time.Duration
}

func loadConfigFile(path string) (tomlConfig, error) {
	var cfg tomlConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// buildNodeConfig assembles a node.Config from the config file (if any)
// overlaid with whatever flags were explicitly set on the command line,
// flags always winning (spec §6 EXPANDED configuration file note).
func buildNodeConfig(cctx *cli.Context) (node.Config, error) {
	var file tomlConfig
	if path := cctx.String(ConfigFileFlag.Name); path != "" {
		var err error
		file, err = loadConfigFile(path)
		if err != nil {
			return node.Config{}, err
		}
	}

	str := func(flag *cli.StringFlag, fileVal string) string {
		if cctx.IsSet(flag.Name) || fileVal == "" {
			return cctx.String(flag.Name)
		}
		return fileVal
	}
	intv := func(flag *cli.IntFlag, fileVal int) int {
		if cctx.IsSet(flag.Name) || fileVal == 0 {
			return cctx.Int(flag.Name)
		}
		return fileVal
	}
	int64v := func(flag *cli.Int64Flag, fileVal int64) int64 {
		if cctx.IsSet(flag.Name) || fileVal == 0 {
			return cctx.Int64(flag.Name)
		}
		return fileVal
	}
	dur := func(flag *cli.DurationFlag, fileVal time.Duration) time.Duration {
		if cctx.IsSet(flag.Name) || fileVal == 0 {
			return cctx.Duration(flag.Name)
		}
		return fileVal
	}
	boolv := func(flag *cli.BoolFlag, fileVal bool) bool {
		if cctx.IsSet(flag.Name) {
			return cctx.Bool(flag.Name)
		}
		return fileVal
	}

	keyHex := str(KeyFlag, file.Key)
	if keyHex == "" {
		return node.Config{}, fmt.Errorf("smartdrive-validator: --key is required (or set key= in --config)")
	}
	key, err := crypto.KeyPairFromSeedHex(keyHex)
	if err != nil {
		return node.Config{}, fmt.Errorf("smartdrive-validator: invalid --key: %w", err)
	}

	testnet := boolv(TestnetFlag, file.Testnet)
	databasePath := str(DatabasePathFlag, file.DatabasePath)
	if testnet {
		databasePath = ""
	}

	cfg := node.Config{
		Key:          key,
		OracleURL:    str(OracleURLFlag, file.OracleURL),
		DatabasePath: databasePath,
		ListenPort:   intv(PortFlag, file.Port),
		APIPort:      intv(APIPortFlag, file.APIPort),
		Params: params.Config{
			NetUID:             intv(NetUIDFlag, file.NetUID),
			Testnet:            testnet,
			TruthfulStake:      int64v(TruthfulStakeFlag, file.TruthfulStake),
			BlockInterval:      dur(BlockIntervalFlag, file.BlockInterval),
			ValidationInterval: dur(ValidationIntervalFlag, file.ValidationInterval),
			MinerRPCTimeout:    dur(MinerRPCTimeoutFlag, file.MinerRPCTimeout),
			InactivityTimeout:  dur(InactivityTimeoutFlag, file.InactivityTimeout),
		}.WithDefaults(),
	}
	return cfg, nil
}
