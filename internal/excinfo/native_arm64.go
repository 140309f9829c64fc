package excinfo

const Native = ArchARM64
