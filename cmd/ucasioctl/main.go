// Command ucasioctl builds, inspects, reads from, and verifies ucasio
// containers. Subcommand dispatch and flag parsing use stdlib flag in
// a single file, no CLI framework.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/falk/ucasio/pkg/builder"
	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/codec"
	"github.com/falk/ucasio/pkg/container"
	"github.com/falk/ucasio/pkg/dispatcher"
	"github.com/falk/ucasio/pkg/keys"
	"github.com/falk/ucasio/pkg/toc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "read":
		err = runRead(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucasioctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ucasioctl <command> [flags]

commands:
  build    pack a set of files into a container
  inspect  print a container's table of contents
  read     read one chunk out of a mounted container
  verify   open a container and check its signature and block hashes`)
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	out := fs.String("o", "", "output path prefix (writes <prefix>.utoc / <prefix>.ucas)")
	method := fs.String("method", codec.MethodZstd, "compression method (zstd, lz4, none)")
	blockSize := fs.Uint("block-size", toc.DefaultCompressionBlockSize, "fixed compression block size")
	maxPartition := fs.Uint64("max-partition-size", 0, "split output across partitions of this size (0 = one partition)")
	workers := fs.Int("workers", 0, "parallel compression workers (0 = NumCPU)")
	encryptKeyHex := fs.String("encrypt-key", "", "16 or 32 byte AES key, hex-encoded; enables encryption")
	keyIDHex := fs.String("key-id", "", "16 byte encryption key id, hex-encoded (required with -encrypt-key)")
	signKeyHex := fs.String("sign-key", "", "64 byte Ed25519 private key, hex-encoded; enables signing")
	containerID := fs.Uint64("container-id", 1, "container id stored in the TOC header")
	fs.Parse(args)

	if *out == "" {
		return fmt.Errorf("build: -o is required")
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		return fmt.Errorf("build: no input files given")
	}

	opts := builder.Options{
		ContainerID:      chunkid.ContainerId(*containerID),
		BlockSize:        uint32(*blockSize),
		Method:           *method,
		MaxPartitionSize: *maxPartition,
		OutputPrefix:     *out,
		Workers:          *workers,
	}
	if *encryptKeyHex != "" {
		key, err := hex.DecodeString(*encryptKeyHex)
		if err != nil {
			return fmt.Errorf("build: invalid -encrypt-key: %w", err)
		}
		idBytes, err := hex.DecodeString(*keyIDHex)
		if err != nil || len(idBytes) != 16 {
			return fmt.Errorf("build: -key-id must be 16 bytes of hex")
		}
		var keyID chunkid.KeyId
		copy(keyID[:], idBytes)
		opts.Encrypt = true
		opts.EncryptionKey = key
		opts.EncryptionKeyID = keyID
	}
	if *signKeyHex != "" {
		priv, err := hex.DecodeString(*signKeyHex)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return fmt.Errorf("build: -sign-key must be %d bytes of hex", ed25519.PrivateKeySize)
		}
		opts.Sign = true
		opts.PrivateKey = ed25519.PrivateKey(priv)
	}

	b := builder.New(opts)
	for _, path := range inputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("build: read %s: %w", path, err)
		}
		b.AddChunk(deriveChunkID(data), data)
	}

	_, stats, err := b.Build()
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s.utoc / %s.ucas: %d chunks, %d blocks, %d -> %d bytes (%d reused)\n",
		*out, *out, stats.ChunkCount, stats.BlockCount, stats.UncompressedBytes, stats.CompressedBytes, stats.ReusedBlocks)
	return nil
}

// deriveChunkID derives a content-addressed id from a file's bytes,
// truncating the whole-content digest to chunkid.Size.
func deriveChunkID(data []byte) chunkid.ChunkId {
	h := codec.Hash(data)
	var id chunkid.ChunkId
	copy(id[:], h[:chunkid.Size])
	return id
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	pubKeyHex := fs.String("public-key", "", "Ed25519 public key, hex-encoded, to verify the TOC signature while inspecting")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("inspect: usage: ucasioctl inspect [-public-key hex] <prefix>")
	}

	pub, err := parsePublicKey(*pubKeyHex)
	if err != nil {
		return err
	}
	t, err := toc.Read(fs.Arg(0)+".utoc", pub)
	if err != nil {
		return err
	}

	fmt.Printf("container id:      %d\n", t.ContainerId)
	fmt.Printf("version:           %d\n", t.Version)
	fmt.Printf("flags:             compressed=%v encrypted=%v signed=%v indexed=%v\n",
		t.Flags.Has(toc.FlagCompressed), t.Flags.Has(toc.FlagEncrypted), t.Flags.Has(toc.FlagSigned), t.Flags.Has(toc.FlagIndexed))
	fmt.Printf("block size:        %d\n", t.BlockSize)
	fmt.Printf("partitions:        %d (size %d)\n", t.PartitionCount, t.PartitionSize)
	fmt.Printf("chunks:            %d\n", len(t.ChunkIds))
	fmt.Printf("compressed blocks: %d\n", len(t.CompressionBlocks))
	fmt.Printf("methods:           %v\n", t.MethodNames)
	for i, id := range t.ChunkIds {
		ol := t.OffsetLengths[i]
		fmt.Printf("  %s  offset=%d length=%d\n", id, ol.Offset, ol.Length)
	}
	return nil
}

func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	chunkHex := fs.String("chunk", "", "hex-encoded chunk id to read")
	offset := fs.Uint64("offset", 0, "byte offset within the chunk")
	size := fs.Uint64("size", 0, "byte count to read (0 = whole chunk)")
	outPath := fs.String("o", "", "output path (default stdout)")
	pubKeyHex := fs.String("public-key", "", "Ed25519 public key, hex-encoded")
	keysPath := fs.String("keys", "", "key store file for encrypted containers")
	fs.Parse(args)
	if fs.NArg() != 1 || *chunkHex == "" {
		return fmt.Errorf("read: usage: ucasioctl read -chunk hex [-offset N] [-size N] <prefix>")
	}

	id, err := chunkid.FromHex(*chunkHex)
	if err != nil {
		return err
	}
	pub, err := parsePublicKey(*pubKeyHex)
	if err != nil {
		return err
	}

	ks := keys.NewStore()
	if *keysPath != "" {
		if err := ks.Load(*keysPath); err != nil {
			return err
		}
	}

	d := dispatcher.New(dispatcher.Options{PublicKey: pub, Keys: ks})
	reader, err := d.Mount(fs.Arg(0), 0)
	if err != nil {
		return err
	}
	d.Start()
	defer d.Stop()

	readSize := *size
	if readSize == 0 {
		ol, ok := reader.Resolve(id)
		if !ok {
			return fmt.Errorf("read: chunk %s not found", id)
		}
		readSize = ol.Length - *offset
	}

	req := d.Read(id, *offset, readSize, dispatcher.ReadOptions{Priority: dispatcher.PriorityBlocking})
	buf, err := req.Wait()
	if err != nil {
		return err
	}

	if *outPath == "" {
		_, err = os.Stdout.Write(buf)
		return err
	}
	return os.WriteFile(*outPath, buf, 0o644)
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	pubKeyHex := fs.String("public-key", "", "Ed25519 public key, hex-encoded; required to check the signature")
	keysPath := fs.String("keys", "", "key store file for encrypted containers")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("verify: usage: ucasioctl verify [-public-key hex] <prefix>")
	}

	pub, err := parsePublicKey(*pubKeyHex)
	if err != nil {
		return err
	}

	ks := keys.NewStore()
	if *keysPath != "" {
		if err := ks.Load(*keysPath); err != nil {
			return err
		}
	}

	// container.Mount already runs toc.Read(path, pub), which fails
	// closed on a signature mismatch; when -public-key is given and the
	// container is signed, a clean mount is therefore proof the header
	// and block-hash table signatures check out. Without -public-key
	// the signatures are not checked.
	reader, err := container.Mount(fs.Arg(0), 0, 0, ks, pub)
	if err != nil {
		return err
	}
	defer reader.Close()

	d := dispatcher.New(dispatcher.Options{PublicKey: pub, Keys: ks})
	if _, err := d.Mount(fs.Arg(0), 0); err != nil {
		return err
	}
	d.Start()
	defer d.Stop()

	var checked, failed int
	for _, id := range reader.Toc.ChunkIds {
		ol, _ := reader.Resolve(id)
		req := d.Read(id, 0, ol.Length, dispatcher.ReadOptions{Priority: dispatcher.PriorityNormal})
		if _, err := req.Wait(); err != nil {
			fmt.Fprintf(os.Stderr, "verify: chunk %s: %v\n", id, err)
			failed++
		}
		checked++
	}
	fmt.Printf("checked %d chunks, %d failed\n", checked, failed)
	if failed > 0 {
		return fmt.Errorf("verify: %d of %d chunks failed", failed, checked)
	}
	return nil
}

func parsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key: must be %d bytes of hex", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}
