// Package dfuse reads and writes ST DfuSe firmware containers.
//
// A DfuSe file is a fixed prefix, one or more target images, and the
// standard 16-byte DFU suffix:
//
//	prefix   "DfuSe" | bVersion | dwImageSize (LE32) | bTargets
//	target   "Target" | bAlternateSetting | bTargetNamed (LE32) |
//	         szTargetName[255] | dwTargetSize (LE32) | dwNbElements (LE32)
//	element  dwElementAddress (LE32) | dwElementSize (LE32) | data
//	suffix   bcdDevice | idProduct | idVendor | bcdDFU (LE16 each) |
//	         "UFD" | bLength | dwCRC (LE32)
//
// dwImageSize counts the prefix and targets but not the suffix. dwCRC is the
// CRC-32 of every preceding byte, stored without the final inversion.
//
// Parse is pure: it works on a byte buffer and performs no I/O. Every
// failure is a *ParseError carrying the kind and, where known, the byte
// offset of the problem.
package dfuse
