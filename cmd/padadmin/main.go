package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/masterpad-provisioning-backend/api/clients"
	"github.com/ruteri/masterpad-provisioning-backend/httpserver"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/urfave/cli/v2"
)

var flagPadServer *cli.StringFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "Pad server address to request",
}
var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminsConfig *cli.StringFlag = &cli.StringFlag{
	Name:  "admins-file",
	Value: "admins.json",
	Usage: "Path to file to use for the server's admin keys configuration",
}

var flagGroupSize *cli.IntFlag = &cli.IntFlag{
	Name:  "group-size",
	Value: 3,
}

var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
}

var flagPadBytes *cli.Uint64Flag = &cli.Uint64Flag{
	Name:  "pad-bytes",
	Value: 1 << 30,
	Usage: "Requested pad size in bytes, rounded up to whole blocks",
}

var flagAbsentMember *cli.UintFlag = &cli.UintFlag{
	Name:     "absent-member",
	Required: true,
	Usage:    "Member index to report as administratively absent",
}

var flagWaitSeconds *cli.Int64Flag = &cli.Int64Flag{
	Name:  "wait-seconds",
	Value: 0,
	Usage: "Seconds to wait for the node to report the active state, 0 returns immediately",
}

func main() {
	app := &cli.App{
		Name:           "masterpad admin client",
		Usage:          "",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			&cli.Command{
				Name:        "status",
				Usage:       "",
				Description: "",
				Flags: []cli.Flag{
					flagPadServer,
				},
				Action: func(cCtx *cli.Context) error {
					baseURL := cCtx.String(flagPadServer.Name)
					adminClient := clients.NewAdminClient(baseURL, "", nil)
					status, err := adminClient.Status()
					if err != nil {
						return err
					}

					statusJSON, err := json.MarshalIndent(status, "", "  ")
					if err != nil {
						return err
					}

					fmt.Println(string(statusJSON))
					return nil
				},
			},
			&cli.Command{
				Name:        "generate-admin",
				Usage:       "",
				Description: "",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := httpserver.GenerateAdminKeyPair()
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), []byte(privateKeyPEM), 0600); err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), []byte(publicKeyPEM), 0600); err != nil {
						return err
					}

					return nil
				},
			},
			&cli.Command{
				Name:        "generate-admins-config",
				Usage:       "",
				Description: "",
				Flags: []cli.Flag{
					flagAdminsConfig,
					&cli.StringSliceFlag{
						Name: "admin-pubkey-files",
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := httpserver.AdminKeysConfig{}

					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}

						adminID, err := httpserver.ComputeFingerprint(publicKeyPEM)
						if err != nil {
							return err
						}

						config.Admins = append(config.Admins, httpserver.AdminKeyMetadata{
							ID:     adminID,
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.Marshal(config)
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagAdminsConfig.Name), configBytes, 0600); err != nil {
						return err
					}

					return nil
				},
			},
			&cli.Command{
				Name:        "bootstrap",
				Usage:       "",
				Description: "Open the founding ceremony on this member",
				Flags: []cli.Flag{
					flagPadServer,
					flagAdminPrivkey,
					flagAdminPubkey,
					flagGroupSize,
					flagThreshold,
					flagPadBytes,
					flagWaitSeconds,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signedClient(cCtx)
					if err != nil {
						return err
					}

					groupSize := cCtx.Int(flagGroupSize.Name)
					threshold := cCtx.Int(flagThreshold.Name)
					if groupSize < 2 || groupSize > 255 || threshold < 2 || threshold > groupSize {
						return fmt.Errorf("invalid group parameters %d-of-%d", threshold, groupSize)
					}

					resp, err := adminClient.Bootstrap(uint8(groupSize), uint8(threshold), cCtx.Uint64(flagPadBytes.Name))
					if err != nil {
						return err
					}

					fmt.Printf("session %s state %s\n", resp.Session, resp.State)
					return waitIfRequested(cCtx, adminClient)
				},
			},
			&cli.Command{
				Name:        "ratchet",
				Usage:       "",
				Description: "Rotate the pad into the next epoch",
				Flags: []cli.Flag{
					flagPadServer,
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signedClient(cCtx)
					if err != nil {
						return err
					}

					resp, err := adminClient.Ratchet()
					if err != nil {
						return err
					}

					fmt.Printf("%s state %s\n", resp.Message, resp.State)
					return nil
				},
			},
			&cli.Command{
				Name:        "burn",
				Usage:       "",
				Description: "Destroy this member's pad material and signal the group",
				Flags: []cli.Flag{
					flagPadServer,
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signedClient(cCtx)
					if err != nil {
						return err
					}

					resp, err := adminClient.Burn()
					if err != nil {
						return err
					}

					fmt.Printf("%s state %s\n", resp.Message, resp.State)
					return nil
				},
			},
			&cli.Command{
				Name:        "absence",
				Usage:       "",
				Description: "Report a member as administratively absent",
				Flags: []cli.Flag{
					flagPadServer,
					flagAdminPrivkey,
					flagAdminPubkey,
					flagAbsentMember,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signedClient(cCtx)
					if err != nil {
						return err
					}

					absent := cCtx.Uint(flagAbsentMember.Name)
					if absent == 0 || absent > 255 {
						return fmt.Errorf("invalid member index %d", absent)
					}

					resp, err := adminClient.ReportAbsence(interfaces.MemberID(absent))
					if err != nil {
						return err
					}

					fmt.Printf("%s state %s\n", resp.Message, resp.State)
					return nil
				},
			},
			&cli.Command{
				Name:        "confirm-persistence",
				Usage:       "",
				Description: "Release a ceremony holding at the manual persistence gate",
				Flags: []cli.Flag{
					flagPadServer,
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient, err := signedClient(cCtx)
					if err != nil {
						return err
					}

					resp, err := adminClient.ConfirmPersistence()
					if err != nil {
						return err
					}

					fmt.Printf("%s state %s\n", resp.Message, resp.State)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// signedClient builds an admin client from the key pair flags. The admin ID
// is the fingerprint of the public key PEM, matching the server's keys file.
func signedClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	baseURL := cCtx.String(flagPadServer.Name)

	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, err
	}

	adminID, err := httpserver.ComputeFingerprint(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, err
	}

	privateKey, err := httpserver.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	return clients.NewAdminClient(baseURL, adminID, privateKey), nil
}

// waitIfRequested blocks until the node reports active when --wait-seconds
// is positive.
func waitIfRequested(cCtx *cli.Context, adminClient *clients.AdminClient) error {
	waitSeconds := cCtx.Int64(flagWaitSeconds.Name)
	if waitSeconds <= 0 {
		return nil
	}

	timeout := time.Duration(waitSeconds) * time.Second
	if err := adminClient.WaitForState("active", timeout, time.Second); err != nil {
		return err
	}

	fmt.Println("node is active")
	return nil
}
