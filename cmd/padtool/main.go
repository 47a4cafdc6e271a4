package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ruteri/masterpad-provisioning-backend/bootstrap"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/padstore"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
	"github.com/urfave/cli/v2"
)

var flagMember *cli.UintFlag = &cli.UintFlag{
	Name:     "member",
	Required: true,
	Usage:    "Member index the identity belongs to (1-255)",
}
var flagIdentityFile *cli.StringFlag = &cli.StringFlag{
	Name:  "identity-file",
	Value: "masterpad-data/identity.hex",
	Usage: "Path to the device identity file",
}
var flagFragmentPrefix *cli.StringFlag = &cli.StringFlag{
	Name:  "fragment-prefix",
	Value: "identity-fragment",
	Usage: "Prefix for written recovery fragment files",
}
var flagFragmentFiles *cli.StringSliceFlag = &cli.StringSliceFlag{
	Name:  "fragment-files",
	Usage: "Recovery fragment files to combine",
}

var flagFragments *cli.IntFlag = &cli.IntFlag{
	Name:  "fragments",
	Value: 5,
}

var flagFragmentThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "fragment-threshold",
	Value: 3,
}

var flagPadFile *cli.StringFlag = &cli.StringFlag{
	Name:     "pad-file",
	Required: true,
	Usage:    "Path to a pad usage file",
}
var flagManifest *cli.StringFlag = &cli.StringFlag{
	Name:  "manifest",
	Value: "masterpad-data/manifest.json",
	Usage: "Path to a member's pad manifest",
}
var flagUsed *cli.Uint64Flag = &cli.Uint64Flag{
	Name:     "used",
	Required: true,
	Usage:    "New used-bytes counter value",
}

func main() {
	app := &cli.App{
		Name:  "masterpad tool",
		Usage: "Offline utilities for device identities, pad files and manifests",
		Commands: []*cli.Command{
			&cli.Command{
				Name:        "backup-identity",
				Usage:       "",
				Description: "Split the device identity into t-of-n recovery fragments",
				Flags: []cli.Flag{
					flagMember,
					flagIdentityFile,
					flagFragmentPrefix,
					flagFragments,
					flagFragmentThreshold,
				},
				Action: func(cCtx *cli.Context) error {
					member, err := memberFromFlags(cCtx)
					if err != nil {
						return err
					}

					id, err := bootstrap.LoadIdentityFile(member, cCtx.String(flagIdentityFile.Name))
					if err != nil {
						return err
					}

					fragments, err := id.BackupFragments(cCtx.Int(flagFragments.Name), cCtx.Int(flagFragmentThreshold.Name))
					if err != nil {
						return err
					}

					prefix := cCtx.String(flagFragmentPrefix.Name)
					for i, fragment := range fragments {
						path := fmt.Sprintf("%s-%d.hex", prefix, i+1)
						encoded := hex.EncodeToString(fragment) + "\n"
						if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
							return err
						}
						fmt.Println(path)
					}

					fmt.Printf("identity %s split into %d fragments, any %d restore it\n",
						id.Fingerprint(), len(fragments), cCtx.Int(flagFragmentThreshold.Name))
					return nil
				},
			},
			&cli.Command{
				Name:        "restore-identity",
				Usage:       "",
				Description: "Reassemble a device identity from recovery fragments",
				Flags: []cli.Flag{
					flagMember,
					flagIdentityFile,
					flagFragmentFiles,
				},
				Action: func(cCtx *cli.Context) error {
					member, err := memberFromFlags(cCtx)
					if err != nil {
						return err
					}

					var fragments [][]byte
					for _, path := range cCtx.StringSlice(flagFragmentFiles.Name) {
						encoded, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						fragment, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
						if err != nil {
							return fmt.Errorf("fragment %s does not decode: %w", path, err)
						}
						fragments = append(fragments, fragment)
					}

					id, err := bootstrap.RestoreIdentity(member, fragments)
					if err != nil {
						return err
					}

					if err := id.SaveFile(cCtx.String(flagIdentityFile.Name)); err != nil {
						return err
					}

					fmt.Printf("restored identity %s to %s\n", id.Fingerprint(), cCtx.String(flagIdentityFile.Name))
					return nil
				},
			},
			&cli.Command{
				Name:        "pad-info",
				Usage:       "",
				Description: "Print a pad usage file's header and capacity",
				Flags: []cli.Flag{
					flagPadFile,
				},
				Action: func(cCtx *cli.Context) error {
					id, used, data, err := padstore.ReadPadFile(cCtx.String(flagPadFile.Name))
					if err != nil {
						return err
					}

					fmt.Printf("pad %s\nused %d\ncapacity %d\nremaining %d\n",
						id.String(), used, len(data), uint64(len(data))-used)
					return nil
				},
			},
			&cli.Command{
				Name:        "pad-advance",
				Usage:       "",
				Description: "Move a pad usage file's counter forward after manual accounting",
				Flags: []cli.Flag{
					flagPadFile,
					flagUsed,
				},
				Action: func(cCtx *cli.Context) error {
					path := cCtx.String(flagPadFile.Name)
					if err := padstore.UpdatePadFileUsage(path, cCtx.Uint64(flagUsed.Name)); err != nil {
						return err
					}

					fmt.Printf("%s advanced to %d used bytes\n", path, cCtx.Uint64(flagUsed.Name))
					return nil
				},
			},
			&cli.Command{
				Name:        "import-usage",
				Usage:       "",
				Description: "Raise a member's manifest watermark to a pad file's counter",
				Flags: []cli.Flag{
					flagPadFile,
					flagManifest,
				},
				Action: func(cCtx *cli.Context) error {
					id, used, _, err := padstore.ReadPadFile(cCtx.String(flagPadFile.Name))
					if err != nil {
						return err
					}

					manifestPath := cCtx.String(flagManifest.Name)
					m, err := protocol.ReadManifest(manifestPath)
					if err != nil {
						return err
					}
					if m.PadID != id.String() {
						return fmt.Errorf("pad file %s does not match manifest pad %s", id, m.PadID)
					}

					// The watermark only ever moves forward; a stale pad file
					// must never rewind a member past consumed blocks.
					if used <= m.UsedBytes {
						fmt.Printf("manifest already at %d used bytes, nothing to import\n", m.UsedBytes)
						return nil
					}
					if used > m.PadBytes {
						return fmt.Errorf("pad file counter %d exceeds pad capacity %d", used, m.PadBytes)
					}

					m.UsedBytes = used
					if err := protocol.WriteManifest(manifestPath, m); err != nil {
						return err
					}

					fmt.Printf("manifest watermark raised to %d used bytes\n", used)
					return nil
				},
			},
			&cli.Command{
				Name:        "manifest",
				Usage:       "",
				Description: "Print a member's pad manifest",
				Flags: []cli.Flag{
					flagManifest,
				},
				Action: func(cCtx *cli.Context) error {
					m, err := protocol.ReadManifest(cCtx.String(flagManifest.Name))
					if err != nil {
						return err
					}

					fmt.Printf("pad %s epoch %d group %d-of-%d\nused %d of %d bytes\n",
						m.PadID, m.Epoch, m.T, m.N, m.UsedBytes, m.PadBytes)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func memberFromFlags(cCtx *cli.Context) (interfaces.MemberID, error) {
	index := cCtx.Uint(flagMember.Name)
	if index == 0 || index > 255 {
		return 0, fmt.Errorf("invalid member index %d", index)
	}
	return interfaces.MemberID(index), nil
}
