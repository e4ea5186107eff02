package backup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"

	"github.com/melbahja/goph"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/kjk/kvstore/logstore"
	"github.com/kjk/kvstore/u"
)

// names of environment variables read by SFTPConfigFromEnv
const (
	EnvSFTPAddr     = "KVSTORE_SFTP_ADDR"
	EnvSFTPUser     = "KVSTORE_SFTP_USER"
	EnvSFTPKey      = "KVSTORE_SFTP_KEY"
	EnvSFTPDir      = "KVSTORE_SFTP_DIR"
	EnvSFTPInsecure = "KVSTORE_SFTP_INSECURE"
)

const defaultSSHPort = 22

// suffix of a file being uploaded, renamed when upload finishes
const sftpTmpSuffix = ".tmp"

type SFTPConfig struct {
	// host or host:port
	Addr string
	User string
	// path of private key file. If empty, we use ssh agent
	KeyPath string
	// remote directory for backups. Relative paths are relative to
	// user's home directory
	Dir string
	// don't verify server key against ~/.ssh/known_hosts
	InsecureHostKey bool
}

func SFTPConfigFromEnv(getenv func(string) string) *SFTPConfig {
	insecure := strings.ToLower(getenv(EnvSFTPInsecure))
	return &SFTPConfig{
		Addr:            getenv(EnvSFTPAddr),
		User:            getenv(EnvSFTPUser),
		KeyPath:         getenv(EnvSFTPKey),
		Dir:             getenv(EnvSFTPDir),
		InsecureHostKey: insecure == "1" || insecure == "true" || insecure == "yes",
	}
}

func (c *SFTPConfig) Validate() error {
	var missing []string
	if c.Addr == "" {
		missing = append(missing, EnvSFTPAddr)
	}
	if c.User == "" {
		missing = append(missing, EnvSFTPUser)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing sftp config: %s", strings.Join(missing, ", "))
	}
	return nil
}

func splitHostPort(addr string) (string, uint, error) {
	if !strings.Contains(addr, ":") {
		return addr, defaultSSHPort, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port in '%s'", addr)
	}
	return host, uint(port), nil
}

// SFTPClient stores backups on a server reachable over ssh
type SFTPClient struct {
	SSH  *goph.Client
	SFTP *sftp.Client
	Dir  string
}

var _ Target = (*SFTPClient)(nil)

// NewSFTP connects to the server over ssh and starts sftp session
func NewSFTP(config *SFTPConfig) (*SFTPClient, error) {
	if config == nil {
		return nil, errors.New("must provide config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	host, port, err := splitHostPort(config.Addr)
	if err != nil {
		return nil, err
	}

	var auth goph.Auth
	if config.KeyPath != "" {
		keyPath, err := u.ExpandTildeInPath(config.KeyPath)
		if err != nil {
			return nil, err
		}
		auth, err = goph.Key(keyPath, "")
		if err != nil {
			return nil, fmt.Errorf("goph.Key('%s') failed with '%w'", keyPath, err)
		}
	} else {
		auth, err = goph.UseAgent()
		if err != nil {
			return nil, fmt.Errorf("no %s and ssh agent not available: %w", EnvSFTPKey, err)
		}
	}

	var callback ssh.HostKeyCallback
	if config.InsecureHostKey {
		callback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err = goph.DefaultKnownHosts()
		if err != nil {
			return nil, err
		}
	}

	client, err := goph.NewConn(&goph.Config{
		User:     config.User,
		Addr:     host,
		Port:     port,
		Auth:     auth,
		Timeout:  goph.DefaultTimeout,
		Callback: callback,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh connection to '%s' failed with '%w'", config.Addr, err)
	}
	sc, err := client.NewSftp()
	if err != nil {
		client.Close()
		return nil, err
	}
	return &SFTPClient{
		SSH:  client,
		SFTP: sc,
		Dir:  config.Dir,
	}, nil
}

func sftpRemotePath(dir string, remotePath string) string {
	if dir == "" || path.IsAbs(remotePath) {
		return path.Clean(remotePath)
	}
	return path.Join(dir, remotePath)
}

// UploadLog uploads compressed copy of the log at logPath.
// remotePath is relative to Dir. The file only appears under its
// final name after it was fully written
func (c *SFTPClient) UploadLog(ctx context.Context, remotePath string, logPath string) (int64, error) {
	codec, err := CodecForPath(remotePath)
	if err != nil {
		return 0, err
	}
	d, err := CompressFile(logPath, codec)
	if err != nil {
		return 0, err
	}
	if err = ctx.Err(); err != nil {
		return 0, err
	}
	dst := sftpRemotePath(c.Dir, remotePath)
	if _, err = c.SFTP.Stat(dst); err == nil {
		return 0, fmt.Errorf("file '%s' already exists on the server", dst)
	}
	if err = c.SFTP.MkdirAll(path.Dir(dst)); err != nil {
		return 0, fmt.Errorf("sftp.MkdirAll('%s') failed with '%w'", path.Dir(dst), err)
	}
	tmp := dst + sftpTmpSuffix
	f, err := c.SFTP.Create(tmp)
	if err != nil {
		return 0, err
	}
	_, err = f.Write(d)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = c.SFTP.Rename(tmp, dst)
	}
	if err != nil {
		_ = c.SFTP.Remove(tmp)
		return 0, err
	}
	return int64(len(d)), nil
}

func (c *SFTPClient) RestoreLog(ctx context.Context, remotePath string, dstPath string, force bool) (*logstore.Stats, error) {
	codec, err := CodecForPath(remotePath)
	if err != nil {
		return nil, err
	}
	if err = checkCanInstall(dstPath, force); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	f, err := c.SFTP.Open(sftpRemotePath(c.Dir, remotePath))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return InstallLog(f, codec, dstPath, force)
}

// ListBackups returns paths, relative to Dir, of backups in prefix directory
func (c *SFTPClient) ListBackups(ctx context.Context, prefix string) ([]string, error) {
	var res []string
	walker := c.SFTP.Walk(sftpRemotePath(c.Dir, prefix))
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := walker.Path()
		if walker.Stat().IsDir() || strings.HasSuffix(p, sftpTmpSuffix) {
			continue
		}
		if c.Dir != "" {
			p = strings.TrimPrefix(p, strings.TrimSuffix(c.Dir, "/")+"/")
		}
		res = append(res, p)
	}
	return res, nil
}

func (c *SFTPClient) Close() error {
	err := c.SFTP.Close()
	if err2 := c.SSH.Close(); err == nil {
		err = err2
	}
	return err
}
