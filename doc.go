// Package ntfs is a read-only parser for the NTFS on-disk filesystem,
// suitable for forensic examination of raw volume images or of isolated
// NTFS system files (an extracted $MFT, $Secure, or $UsnJrnl) extracted
// from such images.
//
// The package does not perform any I/O of its own beyond reads against a
// caller-supplied io.ReaderAt; it does not write, mount, or cache to disk.
// Decompression (LZNT1) is implemented internally; WOF's LZXPRESS-Huffman
// chunks are left to a caller-supplied decompressor (LZX WOF files are rejected),
// since spec conformance only requires the chunk-table plumbing around it.
package ntfs
