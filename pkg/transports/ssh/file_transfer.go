package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
)

// WriteFile uploads data to remotePath via SFTP.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	started := time.Now()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return newTransportError("write-file", fmt.Errorf("failed to create remote directory: %w", err), false)
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return newTransportError("write-file", fmt.Errorf("failed to create remote file: %w", err), true)
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(data))
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return newTransportError("write-file", fmt.Errorf("failed to write %s: %w", remotePath, err), true)
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(started)).
		Msg("file uploaded")
	return nil
}

// RemoveAll deletes remotePath recursively via SFTP.
func (c *SSHClient) RemoveAll(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return newTransportError("remove", err, true)
	}

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if _, err := sftpClient.Lstat(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return newTransportError("remove", err, true)
	}
	if err := sftpClient.RemoveAll(remotePath); err != nil {
		return newTransportError("remove", fmt.Errorf("failed to remove %s: %w", remotePath, err), true)
	}
	return nil
}

func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, newTransportError("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err), true)
	}
	return sftpClient, nil
}

// copyWithContext copies src to dst in chunks, stopping when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
