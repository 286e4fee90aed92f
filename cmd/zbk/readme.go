// cmd/zbk/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"github.com/urfave/cli/v2"
)

var readmeCmd = &cli.Command{
	Name:  "readme",
	Usage: "describe the repository format",
	Action: func(cctx *cli.Context) error {
		fmt.Print(readmeText)
		return nil
	},
}

var readmeText = `

This document describes the layout of the ZBackup repositories that zbk
reads and maintains, in enough detail that a backup could be restored
without zbk. We'll go bottom-up, from the files in the repository to the
way a backup's contents are reassembled from them.

# Repository layout

A repository is a directory (or a prefix in a GCS bucket) holding:

	info                  repository parameters; never encrypted
	index/<hex>           index files
	bundles/<hh>/<hex>    bundle files; <hh> is the first two hex digits
	backups/<name...>     backup descriptors; names may have slashes
	backups-broken/       descriptors moved aside by "zbk check-backups"
	tmp/                  files being written
	lock                  held while the repository is being modified

Bundle and index ids are 24 random bytes, written in lower-case hex.

# Messages

Files are made of protocol buffer messages, each preceded by its length
as a varint. The messages used are:

	FileHeader         1: version
	StorageInfo        1: chunk max size  2: bundle max payload size
	                   3: EncryptionKey   4: default compression method
	EncryptionKey      1: salt  2: rounds  3: encrypted key
	                   4: key check input  5: key check HMAC
	BundleInfo         1: repeated ChunkRecord
	ChunkRecord        1: 24-byte chunk id  2: size
	BundleFileHeader   1: version  2: compression method ("lzma" when
	                   absent, or "lz4")
	IndexBundleHeader  1: bundle id; absent in the final header of a file
	BackupInstruction  1: chunk id to emit  2: literal bytes to emit after
	                   the chunk
	BackupInfo         1: backup data  2: iterations  3: sha256
	                   4: size  5: time

Checksums are Adler-32 of everything in the file before them, written as
four little-endian bytes. zbk writes them but doesn't check them.

	info      FileHeader, StorageInfo, checksum
	index     FileHeader, (IndexBundleHeader, BundleInfo)*, final
	          IndexBundleHeader, checksum
	bundle    BundleFileHeader, BundleInfo, checksum, compressed
	          payload, checksum
	backup    FileHeader, BackupInfo, checksum

A bundle's payload is the concatenation of its chunks' contents in the
order of its BundleInfo. lzma payloads are in the xz container format;
lz4 payloads use the lz4 frame format.

# Encryption

When StorageInfo has an EncryptionKey, every file other than info is
encrypted in its entirety with AES-128 in CBC mode, with a zero IV and
PKCS#7 padding. The plaintext starts with 16 random bytes, which should
be dropped after decryption.

The repository key is found from the password (the contents of the
password file, without a trailing newline):

	kek := pbkdf2.Key(password, salt, rounds, 16, sha1.New)

Decrypting the encrypted key with kek, again AES-128-CBC with a zero IV
and no padding, gives the 16-byte repository key. HMAC-SHA1 of the key
check input using the repository key must match the key check HMAC;
otherwise the password is wrong.

# Restoring a backup

The backup data in a BackupInfo is a stream of length-prefixed
BackupInstruction messages. Each instruction produces the contents of its
chunk, if any, followed by its literal bytes, if any. Chunks are found
through the index files, which say which bundle holds each chunk id; when
the same chunk appears in more than one index file, the most recently
written file takes precedence.

If iterations is zero, the instructions produce the backup itself.
Otherwise their output is another instruction stream, to be interpreted
in the same way; this repeats iterations times. Instruction messages may
span the boundaries between chunks at any level.

The restored backup should be exactly size bytes long.

`
