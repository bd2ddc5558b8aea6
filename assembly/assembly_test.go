package assembly

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

const testLineBases = 60

func writeFastaAssembly(t *testing.T, root, name string, seqs map[string][]byte, order []string) {
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

func writeTrackAssembly(t *testing.T, root, name string, data map[string][]byte, order []string) {
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

func TestDiscoverGroupsByStemAndKind(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaAssembly(t, root, "asmA", map[string][]byte{"chr1": bytes.Repeat([]byte{'A'}, 200)}, []string{"chr1"})
	writeTrackAssembly(t, root, "asmB", map[string][]byte{"chr1": bytes.Repeat([]byte{0x01}, 40)}, []string{"chr1"})

	candidates, err := Discover(root, nil, true)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	names := map[string]Kind{}
	for _, c := range candidates {
		names[c.Name] = c.Kind
	}
	require.Equal(t, KindFasta, names["asmA"])
	require.Equal(t, KindTrack, names["asmB"])
}

func TestDiscoverMissingSidecarStrictVsLenient(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaAssembly(t, root, "asmA", map[string][]byte{"chr1": bytes.Repeat([]byte{'A'}, 50)}, []string{"chr1"})
	require.NoError(t, os.Remove(filepath.Join(root, "asmA.fna.gz.gzi")))

	_, err := Discover(root, nil, true)
	require.Error(t, err)

	candidates, err := Discover(root, nil, false)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestBuildAndReadSequence(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaAssembly(t, root, "asmA", map[string][]byte{
		"chr1": bytes.Repeat([]byte{'A', 'C', 'G', 'T'}, 50),
		"chr2": bytes.Repeat([]byte{'G'}, 10),
	}, []string{"chr1", "chr2"})
	writeTrackAssembly(t, root, "asmB", map[string][]byte{
		"chr1": bytes.Repeat([]byte{0x02}, 16),
	}, []string{"chr1"})

	m, err := Build(context.Background(), root, BuildOptions{NumWorkers: 2})
	require.NoError(t, err)
	defer m.Close()

	require.ElementsMatch(t, []string{"asmA", "asmB"}, m.Names())

	got, err := m.ReadSequence("asmA", "chr1", 0, 8)
	require.NoError(t, err)
	require.Equal(t, []byte("ACGTACGT"), got)

	got, err = m.ReadSequence("asmB", "chr1", 4, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x02, 0x02, 0x02}, got)

	_, err = m.ReadSequence("missing", "chr1", 0, 1)
	require.Error(t, err)
}

func TestBuildAppliesMinContigLengthFilter(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, root)
	writeFastaAssembly(t, root, "asmA", map[string][]byte{
		"long":  bytes.Repeat([]byte{'A'}, 100),
		"short": bytes.Repeat([]byte{'C'}, 5),
	}, []string{"long", "short"})

	m, err := Build(context.Background(), root, BuildOptions{MinContigLength: 10})
	require.NoError(t, err)
	defer m.Close()

	contigs, err := m.Contigs("asmA")
	require.NoError(t, err)
	require.Len(t, contigs, 1)
	require.Equal(t, "long", contigs[0].Name)

	_, err = m.ReadSequence("asmA", "short", 0, 1)
	require.Error(t, err)
}
