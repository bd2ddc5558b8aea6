package loader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/bixgenomics/fastar/storage"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

const testLineBases = 60

func writeFastaFixture(t *testing.T, root, name string, seqs map[string][]byte, order []string) {
	t.Helper()
	var raw bytes.Buffer
	var faiLines bytes.Buffer
	for _, seqName := range order {
		bases := seqs[seqName]
		offset := uint64(raw.Len())
		for i := 0; i < len(bases); i += testLineBases {
			end := i + testLineBases
			if end > len(bases) {
				end = len(bases)
			}
			raw.Write(bases[i:end])
			raw.WriteByte('\n')
		}
		fmt.Fprintf(&faiLines, "%s\t%d\t%d\t%d\t%d\n", seqName, len(bases), offset, testLineBases, testLineBases+1)
	}

	dataPath := filepath.Join(root, name+".fna.gz")
	f, err := os.Create(dataPath)
	require.NoError(t, err)
	w := bgzf.NewWriter(f)
	w.SetUncompressedBlockSize(4096)
	_, err = w.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	gziFile, err := os.Create(dataPath + ".gzi")
	require.NoError(t, err)
	require.NoError(t, w.WriteGZI(gziFile))
	require.NoError(t, gziFile.Close())

	require.NoError(t, os.WriteFile(dataPath+".fai", faiLines.Bytes(), 0644))
}

func writeTrackFixture(t *testing.T, root, name string, data map[string][]byte, order []string) {
	t.Helper()
	var raw bytes.Buffer
	var idxLines bytes.Buffer
	for _, seqName := range order {
		fmt.Fprintf(&idxLines, "%s\t%d\n", seqName, raw.Len())
		raw.Write(data[seqName])
	}
	fmt.Fprintf(&idxLines, "\t%d\n", raw.Len())

	dataPath := filepath.Join(root, name+".track.gz")
	require.NoError(t, os.WriteFile(dataPath, raw.Bytes(), 0644))
	require.NoError(t, os.WriteFile(dataPath+".idx", idxLines.Bytes(), 0644))
}

func TestBuildFastaMemoryReadSequence(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaFixture(t, root, "asmA", map[string][]byte{
		"chr1": bytes.Repeat([]byte("ACGT"), 50),
	}, []string{"chr1"})

	l, err := BuildFasta(context.Background(), root, Options{})
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, []string{"asmA"}, l.Names())
	require.True(t, l.Handle().IsNull())

	got, err := l.ReadSequence("asmA", "chr1", 0, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("ACGTACGT"), got)
}

func TestBuildFastaCacheRoundTrip(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaFixture(t, root, "asmA", map[string][]byte{
		"chr1": bytes.Repeat([]byte("ACGT"), 50),
	}, []string{"chr1"})

	l1, err := BuildFasta(context.Background(), root, Options{})
	require.NoError(t, err)
	got1, err := l1.ReadSequence("asmA", "chr1", 0, 8)
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	matches, err := filepath.Glob(filepath.Join(root, ".fasta-map-cache-*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	l2, err := BuildFasta(context.Background(), root, Options{})
	require.NoError(t, err)
	defer l2.Close()
	got2, err := l2.ReadSequence("asmA", "chr1", 0, 8)
	require.NoError(t, err)
	require.Equal(t, got1, got2)
}

func TestBuildFastaNoCacheSkipsPersistence(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaFixture(t, root, "asmA", map[string][]byte{
		"chr1": bytes.Repeat([]byte("ACGT"), 50),
	}, []string{"chr1"})

	l, err := BuildFasta(context.Background(), root, Options{NoCache: true})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	matches, err := filepath.Glob(filepath.Join(root, ".fasta-map-cache-*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestMmapHandleAttachRoundTrip(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaFixture(t, root, "asmA", map[string][]byte{
		"chr1": bytes.Repeat([]byte("ACGT"), 50),
		"chr2": bytes.Repeat([]byte("TTTT"), 10),
	}, []string{"chr1", "chr2"})

	built, err := BuildFasta(context.Background(), root, Options{StorageMethod: storage.Mmap})
	require.NoError(t, err)
	h := built.Handle()
	require.False(t, h.IsNull())
	require.Equal(t, storage.Mmap, h.Method)

	attached, err := AttachFasta(root, h)
	require.NoError(t, err)
	defer attached.Close()

	require.Equal(t, built.Names(), attached.Names())
	got, err := attached.ReadSequence("asmA", "chr1", 0, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("ACGTACGT"), got)

	require.NoError(t, built.Close())
}

func TestShmemHandleAttachRoundTrip(t *testing.T) {
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("/dev/shm not available in this environment")
	}
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeTrackFixture(t, root, "asmB", map[string][]byte{
		"chr1": bytes.Repeat([]byte{0x02}, 16),
	}, []string{"chr1"})

	built, err := BuildTrack(context.Background(), root, Options{StorageMethod: storage.Shmem})
	require.NoError(t, err)
	h := built.Handle()
	require.False(t, h.IsNull())

	matches, err := filepath.Glob(filepath.Join(root, ".track-map-cache-*"))
	require.NoError(t, err)
	require.Empty(t, matches, "shmem builds must not write the on-disk persistence cache")

	attached, err := AttachTrack(root, h)
	require.NoError(t, err)

	got, err := attached.ReadSequence("asmB", "chr1", 4, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x02, 0x02, 0x02}, got)

	require.NoError(t, attached.Close())
	require.NoError(t, built.Close())
}

func TestMemoryHandleAttachFails(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaFixture(t, root, "asmA", map[string][]byte{"chr1": bytes.Repeat([]byte("A"), 20)}, []string{"chr1"})

	l, err := BuildFasta(context.Background(), root, Options{})
	require.NoError(t, err)
	defer l.Close()
	require.True(t, l.Handle().IsNull())

	_, err = AttachFasta(root, l.Handle())
	require.Error(t, err)
}

func TestMinContigLengthFilterViaLoader(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaFixture(t, root, "asmA", map[string][]byte{
		"long":  bytes.Repeat([]byte("A"), 100),
		"short": bytes.Repeat([]byte("C"), 5),
	}, []string{"long", "short"})

	l, err := BuildFasta(context.Background(), root, Options{MinContigLength: 10})
	require.NoError(t, err)
	defer l.Close()

	contigs, err := l.Contigs("asmA")
	require.NoError(t, err)
	require.Len(t, contigs, 1)
	require.Equal(t, "long", contigs[0].Name)

	_, err = l.ReadSequence("asmA", "short", 0, 1)
	require.Error(t, err)
}

func TestBuildTrackUncompressedMmap(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeTrackFixture(t, root, "asmB", map[string][]byte{
		"chr1": bytes.Repeat([]byte{0x05}, 12),
	}, []string{"chr1"})

	l, err := BuildTrack(context.Background(), root, Options{})
	require.NoError(t, err)
	defer l.Close()

	got, err := l.ReadSequence("asmB", "chr1", 0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x05, 0x05, 0x05}, got)
}

func TestOptionsWithNamesDefaults(t *testing.T) {
	opts := Options{Names: []string{"asmA"}, StorageMethod: storage.Mmap}.WithNamesDefaults()
	require.True(t, opts.NoCache)
	require.Equal(t, storage.Memory, opts.StorageMethod)
	require.False(t, opts.ShowProgress)

	empty := Options{}.WithNamesDefaults()
	require.False(t, empty.NoCache)
}
