package fasta

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/bixgenomics/fastar/encoding/fai"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

const lineBases = 70

// writeFixture folds seqs (name -> bases) into bgzipped FASTA plus
// matching .fai and .gzi sidecars under dir, in the style of
// tests/conftest.py's fixture builders in the original source.
func writeFixture(t *testing.T, dir string, seqs map[string][]byte, order []string) (fastaPath string) {
	t.Helper()
	var (
		raw bytes.Buffer
		idx fai.Index
	)
	for _, name := range order {
		bases := seqs[name]
		offset := uint64(raw.Len())
		fmt.Fprintf(&raw, ">%s\n", name)
		offset = uint64(raw.Len())
		for i := 0; i < len(bases); i += lineBases {
			end := i + lineBases
			if end > len(bases) {
				end = len(bases)
			}
			raw.Write(bases[i:end])
			raw.WriteByte('\n')
		}
		idx.Contigs = append(idx.Contigs, fai.ContigRecord{
			Name:       name,
			Length:     uint64(len(bases)),
			DataOffset: offset,
			LineBases:  lineBases,
			LineWidth:  lineBases + 1,
		})
	}

	fastaPath = filepath.Join(dir, "ref.fna.gz")
	compressedFile, err := os.Create(fastaPath)
	require.NoError(t, err)
	w := bgzf.NewWriter(compressedFile)
	w.SetUncompressedBlockSize(4096)
	_, err = w.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, compressedFile.Close())

	gziFile, err := os.Create(fastaPath + ".gzi")
	require.NoError(t, err)
	require.NoError(t, w.WriteGZI(gziFile))
	require.NoError(t, gziFile.Close())

	faiFile, err := os.Create(fastaPath + ".fai")
	require.NoError(t, err)
	for _, c := range idx.Contigs {
		fmt.Fprintf(faiFile, "%s\t%d\t%d\t%d\t%d\n", c.Name, c.Length, c.DataOffset, c.LineBases, c.LineWidth)
	}
	require.NoError(t, faiFile.Close())
	return fastaPath
}

func randomBases(n int, seed int64) []byte {
	const alphabet = "ACGT"
	rnd := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[rnd.Intn(len(alphabet))]
	}
	return out
}

func TestReadSequenceMatchesReference(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	seqs := map[string][]byte{
		"chr1": randomBases(1000, 1),
		"chr2": randomBases(250, 2),
	}
	order := []string{"chr1", "chr2"}
	fastaPath := writeFixture(t, dir, seqs, order)

	got, err := ReadSequence(fastaPath, "chr1", 0, 60, "", "")
	require.NoError(t, err)
	require.Equal(t, seqs["chr1"][0:60], got)

	got, err = ReadSequence(fastaPath, "chr1", 65, 10, "", "") // straddles a line break
	require.NoError(t, err)
	require.Equal(t, seqs["chr1"][65:75], got)

	got, err = ReadSequence(fastaPath, "chr2", 200, 50, "", "")
	require.NoError(t, err)
	require.Equal(t, seqs["chr2"][200:250], got)

	got, err = ReadSequence(fastaPath, "chr1", 10, 0, "", "")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadSequenceOutOfRange(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	fastaPath := writeFixture(t, dir, map[string][]byte{"chr1": randomBases(100, 3)}, []string{"chr1"})
	_, err := ReadSequence(fastaPath, "chr1", 90, 20, "", "")
	require.Error(t, err)
	_, err = ReadSequence(fastaPath, "missing", 0, 1, "", "")
	require.Error(t, err)

	// start beyond the contig with length==0 must still validate start,
	// not short-circuit before the bounds check.
	_, err = ReadSequence(fastaPath, "chr1", 101, 0, "", "")
	require.Error(t, err)
}
