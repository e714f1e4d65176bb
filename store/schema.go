package store

// Schema creates every table the ledger and the indexer use.
const Schema = `
CREATE TABLE IF NOT EXISTS blocks (
  height INTEGER NOT NULL PRIMARY KEY,
  hash BLOB NOT NULL UNIQUE,
  bits BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
  height INTEGER NOT NULL PRIMARY KEY,
  bits BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS pins (
  name TEXT NOT NULL PRIMARY KEY,
  height INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS utxos (
  txid BLOB NOT NULL,
  output_index INTEGER NOT NULL,
  contract_txid BLOB NOT NULL,
  contract_index INTEGER NOT NULL,
  state BLOB NOT NULL,
  value INTEGER NOT NULL,
  height INTEGER NOT NULL,
  PRIMARY KEY (txid, output_index)
);

CREATE TABLE IF NOT EXISTS contracts (
  contract_txid BLOB NOT NULL,
  contract_index INTEGER NOT NULL,
  txid BLOB NOT NULL,
  output_index INTEGER NOT NULL,
  state BLOB NOT NULL,
  value INTEGER NOT NULL,
  height INTEGER NOT NULL,
  seq INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (contract_txid, contract_index)
);

CREATE TABLE IF NOT EXISTS votes (
  seq INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
  contract_txid BLOB NOT NULL,
  contract_index INTEGER NOT NULL,
  txid BLOB NOT NULL UNIQUE,
  candidate BLOB NOT NULL,
  applied INTEGER NOT NULL,
  state BLOB NOT NULL,
  value INTEGER NOT NULL,
  height INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS votes_contract ON votes (contract_txid, contract_index, seq);
`
