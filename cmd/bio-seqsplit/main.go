package main

// bio-seqsplit partitions sequencing data files into shards.
//
// Usage:
//   bio-seqsplit fastq-split -i r_1.fastq.gz -i r_2.fastq.gz -b 16
//   bio-seqsplit bam-sort -i sample.bam

import "github.com/grailbio/seqsplit/cmd/bio-seqsplit/cmd"

func main() {
	cmd.Run()
}
