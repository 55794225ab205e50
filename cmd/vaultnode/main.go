// Command vaultnode is a thin CLI wiring the archive, document,
// portfolio and replication packages together for manual operation:
// initializing a vault image, inspecting its contents, and running a
// replication session against a peer.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"vaultmesh/internal/archive"
	"vaultmesh/internal/archive/settings"
	"vaultmesh/internal/replication"
	"vaultmesh/internal/streamstore"
	"vaultmesh/internal/transport"

	vnconfig "vaultmesh/cmd/vaultnode/config"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var configDir, env string
	rootCmd := &cobra.Command{
		Use: "vaultnode",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := vnconfig.Load(configDir, env); err != nil {
				logger.WithError(err).Debug("vaultnode: no config file loaded, using flag defaults")
			} else if vnconfig.AppConfig.Logging.Level != "" {
				if lvl, err := logrus.ParseLevel(vnconfig.AppConfig.Logging.Level); err == nil {
					logger.SetLevel(lvl)
				}
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory containing vaultnode.yaml")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "environment suffix merged over vaultnode.yaml (vaultnode.<env>.yaml)")
	rootCmd.AddCommand(initCmd(logger))
	rootCmd.AddCommand(lsCmd(logger))
	rootCmd.AddCommand(mkdirCmd(logger))
	rootCmd.AddCommand(putCmd(logger))
	rootCmd.AddCommand(catCmd(logger))
	rootCmd.AddCommand(serveCmd(logger))
	rootCmd.AddCommand(syncCmd(logger))
	rootCmd.AddCommand(prefsCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Error("vaultnode: command failed")
		os.Exit(1)
	}
}

// keyPath is the sidecar file holding a vault image's master key. A
// real deployment would source this from a wrapped key or passphrase;
// this CLI persists it alongside the image so repeated opens decrypt
// the same data instead of minting a fresh, unreadable key each time.
func keyPath(vaultPath string) string { return vaultPath + ".key" }

func loadOrCreateMasterKey(vaultPath string) ([32]byte, error) {
	var masterKey [32]byte
	raw, err := os.ReadFile(keyPath(vaultPath))
	if err == nil && len(raw) == 32 {
		copy(masterKey[:], raw)
		return masterKey, nil
	}
	if _, err := rand.Read(masterKey[:]); err != nil {
		return masterKey, err
	}
	if err := os.WriteFile(keyPath(vaultPath), masterKey[:], 0o600); err != nil {
		return masterKey, fmt.Errorf("vaultnode: persist master key: %w", err)
	}
	return masterKey, nil
}

func openArchive(path string) (*archive.FS, func() error, error) {
	masterKey, err := loadOrCreateMasterKey(path)
	if err != nil {
		return nil, nil, err
	}
	logger := logrus.New()
	mgr, err := streamstore.Open(path, masterKey, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("vaultnode: open %s: %w", path, err)
	}
	fs, err := archive.New(mgr, logger)
	if err != nil {
		mgr.Close()
		return nil, nil, err
	}
	return fs, mgr.Close, nil
}

func initCmd(lg *logrus.Logger) *cobra.Command {
	var blockSize uint16
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "create a new empty vault archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			masterKey, err := loadOrCreateMasterKey(args[0])
			if err != nil {
				return err
			}
			hdr := streamstore.Header{Created: time.Now().UTC()}
			mgr, err := streamstore.Create(args[0], blockSize, hdr, masterKey, lg)
			if err != nil {
				return err
			}
			defer mgr.Close()
			_, err = archive.New(mgr, lg)
			if err != nil {
				return err
			}
			fmt.Printf("initialized vault archive at %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Uint16Var(&blockSize, "block-size", streamstore.DefaultBlockSize, "block payload size in bytes")
	return cmd
}

// loadOrCreateHostKey persists an Ed25519 signing key at path, reusing
// it across restarts so a peer's pinned host key keeps matching.
func loadOrCreateHostKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("vaultnode: persist host key: %w", err)
	}
	return priv, nil
}

func lsCmd(lg *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path] [dir]",
		Short: "list entries under a vault directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			results, err := fs.List(args[1])
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Println(r.Path)
			}
			return nil
		},
	}
}

func mkdirCmd(lg *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir [path] [dirpath]",
		Short: "create a directory in the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			id, err := fs.Mkdir(args[1])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func putCmd(lg *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "put [path] [vaultpath] [localfile]",
		Short: "write a local file's contents into the vault",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			id, err := fs.Mkfile(args[1], data, archive.MkfileOpts{})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func catCmd(lg *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cat [path] [vaultpath]",
		Short: "print a vault file's decrypted contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			data, err := fs.Load(args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func serveCmd(lg *logrus.Logger) *cobra.Command {
	var listenAddr, hostKeyFile, syncRoot string
	cmd := &cobra.Command{
		Use:   "serve [path] [entity-id]",
		Short: "accept one replication session as the archive's authority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("listen") && vnconfig.AppConfig.Replication.ListenAddr != "" {
				listenAddr = vnconfig.AppConfig.Replication.ListenAddr
			}
			if !cmd.Flags().Changed("host-key") && vnconfig.AppConfig.Replication.HostKeyPath != "" {
				hostKeyFile = vnconfig.AppConfig.Replication.HostKeyPath
			}
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			hostPriv, err := loadOrCreateHostKey(hostKeyFile)
			if err != nil {
				return err
			}
			signer, err := transport.HostKeyFromEd25519(hostPriv)
			if err != nil {
				return err
			}
			if err := os.WriteFile(hostKeyFile+".pub", signer.PublicKey().Marshal(), 0o644); err != nil {
				return fmt.Errorf("vaultnode: publish host key: %w", err)
			}

			expectedEntity := args[1]
			srv, err := transport.NewServer(listenAddr, signer, func(entityID string, key ssh.PublicKey) bool {
				return entityID == expectedEntity
			}, lg)
			if err != nil {
				return err
			}
			defer srv.Close()

			lg.WithField("addr", listenAddr).Info("vaultnode: replication server listening")
			channel, peerID, err := srv.Accept(cmd.Context())
			if err != nil {
				return err
			}
			defer channel.Close()
			lg.WithField("peer", peerID).Info("vaultnode: replication session accepted")

			lister := replication.NewArchiveLister(fs, syncRoot)
			sess := replication.NewSession(channel, lister, false, lg)
			if err := sess.Handshake(replication.OperationPreset{Name: syncRoot}); err != nil {
				return err
			}
			serverFiles, err := lister.ListFiles()
			if err != nil {
				return err
			}
			if _, err := sess.ServeFileListRequest(serverFiles); err != nil {
				return err
			}
			if err := sess.RunServerSync(); err != nil {
				return err
			}
			return sess.Close()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":2022", "tcp address to accept replication sessions on")
	cmd.Flags().StringVar(&hostKeyFile, "host-key", "vaultnode_host.key", "path to persist this node's Ed25519 host key")
	cmd.Flags().StringVar(&syncRoot, "root", "/messages", "vault subtree exposed for replication")
	return cmd
}

func syncCmd(lg *logrus.Logger) *cobra.Command {
	var entityID, hostKeyFile, serverHostKeyFile, syncRoot string
	cmd := &cobra.Command{
		Use:   "sync [path] [server-addr]",
		Short: "run one client-side replication cycle against a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("host-key") && vnconfig.AppConfig.Replication.HostKeyPath != "" {
				hostKeyFile = vnconfig.AppConfig.Replication.HostKeyPath
			}
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			clientPriv, err := loadOrCreateHostKey(hostKeyFile)
			if err != nil {
				return err
			}
			signer, err := transport.HostKeyFromEd25519(clientPriv)
			if err != nil {
				return err
			}
			serverHostRaw, err := os.ReadFile(serverHostKeyFile)
			if err != nil {
				return fmt.Errorf("vaultnode: read pinned server host key: %w", err)
			}
			serverHostKey, err := ssh.ParsePublicKey(serverHostRaw)
			if err != nil {
				return fmt.Errorf("vaultnode: parse pinned server host key: %w", err)
			}

			channel, err := transport.Dial(cmd.Context(), args[1], entityID, signer, serverHostKey)
			if err != nil {
				return err
			}
			defer channel.Close()

			lister := replication.NewArchiveLister(fs, syncRoot)
			sess := replication.NewSession(channel, lister, true, lg)
			if err := sess.Handshake(replication.OperationPreset{Name: syncRoot}); err != nil {
				return err
			}
			localFiles, err := lister.ListFiles()
			if err != nil {
				return err
			}
			serverFiles, err := sess.ExchangeFileLists(localFiles)
			if err != nil {
				return err
			}
			if err := sess.RunClientSync(localFiles, serverFiles); err != nil {
				return err
			}
			return sess.Close()
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "this node's entity id, used as the SSH user name")
	cmd.Flags().StringVar(&hostKeyFile, "host-key", "vaultnode_client.key", "path to persist this node's Ed25519 client key")
	cmd.Flags().StringVar(&serverHostKeyFile, "server-host-key", "vaultnode_host.key.pub", "path to the server's pinned public host key")
	cmd.Flags().StringVar(&syncRoot, "root", "/messages", "vault subtree exposed for replication")
	cmd.MarkFlagRequired("entity")
	return cmd
}

func prefsCmd(lg *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{Use: "prefs [path]", Short: "show or update /settings/preferences.ini"}

	showCmd := &cobra.Command{
		Use:   "show [path]",
		Short: "print the current preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			p, err := settings.LoadPreferences(fs)
			if err != nil {
				return err
			}
			fmt.Printf("display_name=%s\nauto_sync=%t\nsync_interval_secs=%d\ndefault_network_id=%s\n",
				p.DisplayName, p.AutoSync, p.SyncIntervalSecs, p.DefaultNetworkID)
			return nil
		},
	}

	var displayName, defaultNetwork string
	var autoSync bool
	var syncIntervalSecs int
	setCmd := &cobra.Command{
		Use:   "set [path]",
		Short: "overwrite the preferences file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, closeFn, err := openArchive(args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			return settings.SavePreferences(fs, settings.Preferences{
				DisplayName:      displayName,
				AutoSync:         autoSync,
				SyncIntervalSecs: syncIntervalSecs,
				DefaultNetworkID: defaultNetwork,
			})
		},
	}
	setCmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	setCmd.Flags().BoolVar(&autoSync, "auto-sync", true, "enable automatic replication")
	setCmd.Flags().IntVar(&syncIntervalSecs, "sync-interval-secs", 300, "seconds between automatic sync attempts")
	setCmd.Flags().StringVar(&defaultNetwork, "default-network-id", "", "default network id")

	cmd.AddCommand(showCmd, setCmd)
	return cmd
}
